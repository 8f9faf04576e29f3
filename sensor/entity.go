package sensor

import (
	"fmt"
	"github.com/XANi/ecos2mqtt/integration"
)

// DataSource is what an entity reads; satisfied by coordinator.Coordinator[integration.Snapshot]
type DataSource interface {
	Data() (integration.Snapshot, bool)
	LastUpdateSuccess() bool
}

type Entity struct {
	source      DataSource
	description Description
	uniqueID    string
}

func NewEntity(source DataSource, userID string, description Description) *Entity {
	return &Entity{
		source:      source,
		description: description,
		uniqueID:    fmt.Sprintf("%s_%s_%s_%s", integration.Domain, userID, description.Key, description.SensorType),
	}
}

func (e *Entity) UniqueID() string {
	return e.uniqueID
}

// ObjectID is the unique id restricted to characters valid in MQTT topics and discovery object ids
func (e *Entity) ObjectID() string {
	return TopicSafe(e.uniqueID)
}

func (e *Entity) Description() Description {
	return e.description
}

// LastUpdateSuccess reports whether the last poll behind this entity worked
func (e *Entity) LastUpdateSuccess() bool {
	return e.source.LastUpdateSuccess()
}

// NativeValue is the current reading, nil when the snapshot has none
func (e *Entity) NativeValue() *float64 {
	data, ok := e.source.Data()
	if !ok {
		return nil
	}
	values, ok := data[e.description.Key]
	if !ok {
		return nil
	}
	return values[e.description.SensorType]
}

// Available is true when the last update succeeded and the latest snapshot has non-empty values for the key
func (e *Entity) Available() bool {
	if !e.source.LastUpdateSuccess() {
		return false
	}
	data, ok := e.source.Data()
	if !ok || len(data) == 0 {
		return false
	}
	return len(data[e.description.Key]) > 0
}
