package sensor

import (
	"github.com/XANi/ecos2mqtt/ecos"
	"github.com/XANi/ecos2mqtt/integration"
	"regexp"
	"sort"
	"strings"
)

// https://www.home-assistant.io/integrations/sensor/#device-class
type DeviceClass string

var (
	DeviceClassBattery DeviceClass = "battery"
	DeviceClassPower   DeviceClass = "power"
)

// https://developers.home-assistant.io/docs/core/entity/sensor/#available-state-classes
type StateClass string

var StateClassMeasurement StateClass = "measurement"

const (
	UnitPercentage = "%"
	UnitWatt       = "W"
)

// Description is the static part of a sensor entity
type Description struct {
	Key            string
	Name           string
	TranslationKey string
	SensorType     string
	DeviceClass    DeviceClass
	Unit           string
	StateClass     StateClass
}

var (
	nameKeyWord    = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
	nameKeyAcronym = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	topicUnsafe    = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

// TopicSafe replaces every character outside [a-zA-Z0-9_-] with _
// so device keys can be used as MQTT topic levels and Home Assistant object ids
func TopicSafe(s string) string {
	return topicUnsafe.ReplaceAllString(s, "_")
}

// NameKey converts camelCase to snake_case: batterySoc -> battery_soc
func NameKey(name string) string {
	s := nameKeyWord.ReplaceAllString(name, "${1}_${2}")
	return strings.ToLower(nameKeyAcronym.ReplaceAllString(s, "${1}_${2}"))
}

func describe(key string, sourceType ecos.SourceType) Description {
	d := Description{
		Key:         key,
		Name:        integration.Domain + "_" + NameKey(key),
		SensorType:  integration.SensorTypeRate,
		DeviceClass: DeviceClassPower,
		Unit:        UnitWatt,
		StateClass:  StateClassMeasurement,
	}
	if sourceType == ecos.SourceTypeBatterySoc {
		d.DeviceClass = DeviceClassBattery
		d.Unit = UnitPercentage
	}
	return d
}

// StaticDescriptions are the home wide sensors every account has
func StaticDescriptions() []Description {
	out := make([]Description, 0, len(ecos.SourceTypes))
	for _, st := range ecos.SourceTypes {
		d := describe(st, st)
		d.TranslationKey = NameKey(st)
		out = append(out, d)
	}
	return out
}

// DeviceDescriptions describes every source type of every device that has an alias
func DeviceDescriptions(devices map[string]ecos.Device) []Description {
	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []Description
	for _, id := range ids {
		dev := devices[id]
		if dev.Alias == "" {
			continue
		}
		for _, st := range ecos.SourceTypes {
			out = append(out, describe(ecos.DeviceKey(dev.Alias, st), st))
		}
	}
	return out
}
