package integration

import (
	"context"
	"github.com/XANi/ecos2mqtt/coordinator"
	"github.com/XANi/ecos2mqtt/ecos"
)

const (
	Domain = "ecactusecos"
	// SensorTypeRate is the only field of a snapshot value
	SensorTypeRate = "rate"
)

// Values holds the fields read for one snapshot key; a nil rate means the source omitted it
type Values map[string]*float64

// Snapshot maps source type (or device scoped source type) to its values. It is rebuilt on every poll.
type Snapshot map[string]Values

// Data is what the config flow stores for an account
type Data struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
}

type ConfigEntry struct {
	EntryID  string
	UniqueID string
	Title    string
	Version  int
	Data     Data
}

// Client is the part of the ECOS API the integration polls
type Client interface {
	Authenticate(ctx context.Context) error
	IsAuthenticated() bool
	CurrentMeasurements(ctx context.Context) (map[string]float64, error)
	DeviceOverview(ctx context.Context) error
	Devices() map[string]ecos.Device
}

type ClientFactory func(data Data) Client

// Runtime is everything kept alive for one loaded entry
type Runtime struct {
	Entry       ConfigEntry
	Client      Client
	Coordinator *coordinator.Coordinator[Snapshot]
}

// Platform receives loaded entries, e.g. the sensor platform
type Platform interface {
	Name() string
	SetupEntry(ctx context.Context, rt *Runtime) error
	UnloadEntry(ctx context.Context, entryID string) error
}
