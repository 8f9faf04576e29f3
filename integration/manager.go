package integration

import (
	"context"
	"errors"
	"fmt"
	"github.com/XANi/ecos2mqtt/coordinator"
	"github.com/avast/retry-go"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"sync"
	"time"
)

const (
	// PollingInterval matches how often the cloud side polls the inverter
	PollingInterval = 10 * time.Second
	FetchTimeout    = 10 * time.Second
)

var (
	ErrAuthFailed    = errors.New("authentication failed")
	ErrAlreadyLoaded = errors.New("entry already loaded")
	ErrNotLoaded     = errors.New("entry not loaded")
)

type Config struct {
	Logger    *zap.SugaredLogger
	NewClient ClientFactory
	Platforms []Platform
	// PollingInterval and FetchTimeout default to the package constants
	PollingInterval time.Duration
	FetchTimeout    time.Duration
	// SetupAttempts bounds background retries of entries that were not ready
	SetupAttempts uint
	SetupDelay    time.Duration
	SetupMaxDelay time.Duration
	Clock         clock.Clock
}

// Manager loads and unloads config entries and keeps their runtimes
type Manager struct {
	cfg Config
	log *zap.SugaredLogger

	sync.Mutex
	entries map[string]*Runtime
	pending map[string]context.CancelFunc
	wg      sync.WaitGroup

	// background setups outlive the request that scheduled them, Shutdown cancels them
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.PollingInterval == 0 {
		cfg.PollingInterval = PollingInterval
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = FetchTimeout
	}
	if cfg.SetupAttempts == 0 {
		cfg.SetupAttempts = 20
	}
	if cfg.SetupDelay == 0 {
		cfg.SetupDelay = 5 * time.Second
	}
	if cfg.SetupMaxDelay == 0 {
		cfg.SetupMaxDelay = 10 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger,
		entries: map[string]*Runtime{},
		pending: map[string]context.CancelFunc{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetupEntry authenticates, runs the first refresh and forwards the entry to every platform.
// Rejected credentials return ErrAuthFailed, a failed first refresh coordinator.ErrNotReady.
func (m *Manager) SetupEntry(ctx context.Context, entry ConfigEntry) error {
	m.Lock()
	_, loaded := m.entries[entry.EntryID]
	m.Unlock()
	if loaded {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, entry.EntryID)
	}
	log := m.log.With("entry", entry.Title)

	client := m.cfg.NewClient(entry.Data)
	if err := client.Authenticate(ctx); err != nil {
		log.Errorf("authentication failed: %s", err)
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	coord := coordinator.New(coordinator.Config[Snapshot]{
		Name:     "sensor",
		Logger:   log.Named("coordinator"),
		Interval: m.cfg.PollingInterval,
		Timeout:  m.cfg.FetchTimeout,
		Clock:    m.cfg.Clock,
		Update: func(ctx context.Context) (Snapshot, error) {
			return Update(ctx, client, log)
		},
	})
	if err := coord.FirstRefresh(ctx); err != nil {
		return err
	}

	rt := &Runtime{Entry: entry, Client: client, Coordinator: coord}
	m.Lock()
	if _, loaded := m.entries[entry.EntryID]; loaded {
		m.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, entry.EntryID)
	}
	m.entries[entry.EntryID] = rt
	m.Unlock()

	for i, p := range m.cfg.Platforms {
		if err := p.SetupEntry(ctx, rt); err != nil {
			for _, done := range m.cfg.Platforms[:i] {
				if uerr := done.UnloadEntry(ctx, entry.EntryID); uerr != nil {
					log.Warnf("error unloading platform %s: %s", done.Name(), uerr)
				}
			}
			m.Lock()
			delete(m.entries, entry.EntryID)
			m.Unlock()
			return fmt.Errorf("error setting up platform %s: %w", p.Name(), err)
		}
	}
	coord.Start(context.Background())
	log.Infof("loaded entry %s with %d platform(s)", entry.EntryID, len(m.cfg.Platforms))
	return nil
}

// UnloadEntry unloads the platforms of an entry. Its runtime is only dropped when all platforms unloaded.
func (m *Manager) UnloadEntry(ctx context.Context, entryID string) (bool, error) {
	m.Lock()
	if cancel, ok := m.pending[entryID]; ok {
		cancel()
		delete(m.pending, entryID)
	}
	rt, ok := m.entries[entryID]
	m.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotLoaded, entryID)
	}

	var errs []error
	for _, p := range m.cfg.Platforms {
		if err := p.UnloadEntry(ctx, entryID); err != nil {
			errs = append(errs, fmt.Errorf("platform %s: %w", p.Name(), err))
		}
	}
	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}

	rt.Coordinator.Stop()
	m.Lock()
	delete(m.entries, entryID)
	m.Unlock()
	m.log.Infof("unloaded entry %s", entryID)
	return true, nil
}

// Load sets up stored entries. Entries that are not ready yet are retried in the background with backoff.
func (m *Manager) Load(ctx context.Context, entries []ConfigEntry) {
	for _, entry := range entries {
		if err := m.Setup(ctx, entry); err != nil && !errors.Is(err, coordinator.ErrNotReady) {
			m.log.Errorf("error setting up entry %s: %s", entry.Title, err)
		}
	}
}

// Setup sets up one entry. When it is not ready yet the error is returned
// and setup continues in the background until it succeeds, fails otherwise or Shutdown is called.
func (m *Manager) Setup(ctx context.Context, entry ConfigEntry) error {
	err := m.SetupEntry(ctx, entry)
	if errors.Is(err, coordinator.ErrNotReady) {
		m.log.Warnf("entry %s not ready, retrying in background: %s", entry.Title, err)
		m.retrySetup(entry)
	}
	return err
}

func (m *Manager) retrySetup(entry ConfigEntry) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.Lock()
	m.pending[entry.EntryID] = cancel
	m.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.Lock()
			delete(m.pending, entry.EntryID)
			m.Unlock()
			cancel()
		}()
		err := retry.Do(
			func() error { return m.SetupEntry(ctx, entry) },
			retry.Context(ctx),
			retry.Attempts(m.cfg.SetupAttempts),
			retry.Delay(m.cfg.SetupDelay),
			retry.MaxDelay(m.cfg.SetupMaxDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return errors.Is(err, coordinator.ErrNotReady)
			}),
			retry.OnRetry(func(n uint, err error) {
				m.log.Debugf("setup of %s attempt %d failed: %s", entry.Title, n+1, err)
			}),
		)
		if err != nil {
			m.log.Errorf("giving up setting up entry %s: %s", entry.Title, err)
		}
	}()
}

func (m *Manager) Runtime(entryID string) (*Runtime, bool) {
	m.Lock()
	defer m.Unlock()
	rt, ok := m.entries[entryID]
	return rt, ok
}

// Loaded lists the ids of loaded entries
func (m *Manager) Loaded() []string {
	m.Lock()
	defer m.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels pending setups and unloads every entry
func (m *Manager) Shutdown(ctx context.Context) {
	m.cancel()
	m.Lock()
	for id, cancel := range m.pending {
		cancel()
		delete(m.pending, id)
	}
	m.Unlock()
	m.wg.Wait()
	for _, id := range m.Loaded() {
		if _, err := m.UnloadEntry(ctx, id); err != nil {
			m.log.Warnf("error unloading %s: %s", id, err)
		}
	}
}
