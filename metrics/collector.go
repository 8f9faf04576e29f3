package metrics

import (
	"github.com/XANi/ecos2mqtt/integration"
	"github.com/XANi/ecos2mqtt/sensor"
	"github.com/prometheus/client_golang/prometheus"
	"sync"
)

// Collector implements prometheus.Collector for the loaded sensor entities
type Collector struct {
	sync.RWMutex
	entries map[string]collectedEntry

	value         *prometheus.Desc
	available     *prometheus.Desc
	updateSuccess *prometheus.Desc
	sensors       *prometheus.Desc
}

type collectedEntry struct {
	entry    integration.ConfigEntry
	entities []*sensor.Entity
}

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ sensor.Sink          = (*Collector)(nil)
)

// NewCollector creates a collector with no entities; the sensor platform fills it
func NewCollector() *Collector {
	sensorLabels := []string{"user_id", "key", "device_class", "unit"}
	return &Collector{
		entries: map[string]collectedEntry{},
		value: prometheus.NewDesc(
			"ecactusecos_sensor_value",
			"Latest sensor reading (W for power, percent for battery charge)",
			sensorLabels,
			nil,
		),
		available: prometheus.NewDesc(
			"ecactusecos_sensor_available",
			"Whether the sensor is available (1=yes, 0=no)",
			sensorLabels,
			nil,
		),
		updateSuccess: prometheus.NewDesc(
			"ecactusecos_update_success",
			"Whether the last poll of the ECOS API was successful",
			[]string{"user_id", "title"},
			nil,
		),
		sensors: prometheus.NewDesc(
			"ecactusecos_sensors",
			"Number of sensors exposed for the account",
			[]string{"user_id", "title"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.value
	ch <- c.available
	ch <- c.updateSuccess
	ch <- c.sensors
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.RLock()
	entries := make([]collectedEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.RUnlock()

	for _, ce := range entries {
		userID := ce.entry.Data.ID
		ch <- prometheus.MustNewConstMetric(c.sensors, prometheus.GaugeValue, float64(len(ce.entities)), userID, ce.entry.Title)
		success := 1.0
		for _, e := range ce.entities {
			d := e.Description()
			labels := []string{userID, d.Key, string(d.DeviceClass), d.Unit}
			available := 0.0
			if e.Available() {
				available = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, available, labels...)
			// null readings are skipped, not exported as zero
			if v := e.NativeValue(); v != nil && available == 1 {
				ch <- prometheus.MustNewConstMetric(c.value, prometheus.GaugeValue, *v, labels...)
			}
		}
		// entities of one entry share a coordinator
		if len(ce.entities) > 0 && !ce.entities[0].LastUpdateSuccess() {
			success = 0
		}
		ch <- prometheus.MustNewConstMetric(c.updateSuccess, prometheus.GaugeValue, success, userID, ce.entry.Title)
	}
}

func (c *Collector) AddEntities(entry integration.ConfigEntry, entities []*sensor.Entity) error {
	c.Lock()
	c.entries[entry.EntryID] = collectedEntry{entry: entry, entities: entities}
	c.Unlock()
	return nil
}

// StateChanged is a no-op, values are read at scrape time
func (c *Collector) StateChanged(entryID string) {}

func (c *Collector) RemoveEntities(entryID string) error {
	c.Lock()
	delete(c.entries, entryID)
	c.Unlock()
	return nil
}
