package sensor

import (
	"context"
	"errors"
	"fmt"
	"github.com/XANi/ecos2mqtt/integration"
	"go.uber.org/zap"
	"sync"
)

// Sink exposes entities somewhere outside the process
type Sink interface {
	AddEntities(entry integration.ConfigEntry, entities []*Entity) error
	// StateChanged is called after every coordinator refresh of the entry
	StateChanged(entryID string)
	RemoveEntities(entryID string) error
}

type PlatformConfig struct {
	Logger *zap.SugaredLogger
	Sinks  []Sink
}

// Platform is the sensor entity platform; it turns a loaded entry into entities
type Platform struct {
	log   *zap.SugaredLogger
	sinks []Sink

	sync.RWMutex
	entities  map[string][]*Entity
	listeners map[string]func()
}

var _ integration.Platform = (*Platform)(nil)

func NewPlatform(cfg PlatformConfig) *Platform {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Platform{
		log:       cfg.Logger,
		sinks:     cfg.Sinks,
		entities:  map[string][]*Entity{},
		listeners: map[string]func(){},
	}
}

func (p *Platform) Name() string {
	return "sensor"
}

func (p *Platform) SetupEntry(ctx context.Context, rt *integration.Runtime) error {
	entry := rt.Entry
	descriptions := append(StaticDescriptions(), DeviceDescriptions(rt.Client.Devices())...)
	entities := make([]*Entity, 0, len(descriptions))
	for _, d := range descriptions {
		entities = append(entities, NewEntity(rt.Coordinator, entry.Data.ID, d))
	}

	for i, s := range p.sinks {
		if err := s.AddEntities(entry, entities); err != nil {
			// the failing sink may have recorded the entry before failing
			for _, added := range p.sinks[:i+1] {
				_ = added.RemoveEntities(entry.EntryID)
			}
			return fmt.Errorf("error adding entities: %w", err)
		}
	}
	remove := rt.Coordinator.AddListener(func() {
		for _, s := range p.sinks {
			s.StateChanged(entry.EntryID)
		}
	})

	p.Lock()
	p.entities[entry.EntryID] = entities
	p.listeners[entry.EntryID] = remove
	p.Unlock()
	p.log.Infof("added %d sensors for %s", len(entities), entry.Title)

	for _, s := range p.sinks {
		s.StateChanged(entry.EntryID)
	}
	return nil
}

func (p *Platform) UnloadEntry(ctx context.Context, entryID string) error {
	p.Lock()
	remove, ok := p.listeners[entryID]
	delete(p.listeners, entryID)
	delete(p.entities, entryID)
	p.Unlock()
	if !ok {
		return nil
	}
	remove()
	var errs []error
	for _, s := range p.sinks {
		if err := s.RemoveEntities(entryID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Entities returns the entities of an entry
func (p *Platform) Entities(entryID string) []*Entity {
	p.RLock()
	defer p.RUnlock()
	return p.entities[entryID]
}
