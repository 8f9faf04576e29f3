package queue

import (
	"github.com/XANi/ecos2mqtt/integration"
	"github.com/XANi/ecos2mqtt/sensor"
)

// Discovery is the Home Assistant MQTT discovery config of one sensor, using the abbreviated keys
type Discovery struct {
	// https://www.home-assistant.io/integrations/sensor/#device-class
	DeviceClass sensor.DeviceClass `json:"dev_cla,omitempty"`
	Unit        string             `json:"unit_of_meas,omitempty"`
	// https://developers.home-assistant.io/docs/core/entity/sensor/#available-state-classes
	StateClass       sensor.StateClass `json:"stat_cla,omitempty"`
	Name             string            `json:"name"`
	ObjectID         string            `json:"obj_id,omitempty"`
	StateTopic       string            `json:"stat_t"`
	Availability     []Availability    `json:"avty,omitempty"`
	AvailabilityMode string            `json:"avty_mode,omitempty"`
	UniqID           string            `json:"uniq_id"`
	Dev              *Device           `json:"dev"`
}

type Availability struct {
	Topic string `json:"t"`
}

type Device struct {
	IDs          []string `json:"ids"`
	Name         string   `json:"name"`
	Model        string   `json:"mdl,omitempty"`
	Manufacturer string   `json:"mf,omitempty"`
}

func (q *Queue) discovery(entry integration.ConfigEntry, e *sensor.Entity) Discovery {
	d := e.Description()
	return Discovery{
		DeviceClass: d.DeviceClass,
		Unit:        d.Unit,
		StateClass:  d.StateClass,
		Name:        d.Name,
		ObjectID:    e.ObjectID(),
		StateTopic:  q.stateTopic(entry.Data.ID, d.Key),
		Availability: []Availability{
			{Topic: q.statusTopic()},
			{Topic: q.availabilityTopic(entry.Data.ID, d.Key)},
		},
		AvailabilityMode: "all",
		UniqID:           e.UniqueID(),
		Dev: &Device{
			IDs:          []string{integration.Domain + "_" + entry.Data.ID},
			Name:         "ECOS " + entry.Title,
			Model:        "Ecactus ECOS",
			Manufacturer: "Weiheng",
		},
	}
}
