package queue

import (
	"github.com/XANi/ecos2mqtt/sensor"
	"strconv"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
	// Home Assistant maps this to the unknown state
	payloadNone = "None"
)

// device aliases end up in keys, every level built from them goes through sensor.TopicSafe

func (q *Queue) configTopic(objectID string) string {
	return q.cfg.DiscoveryPrefix + "/sensor/" + sensor.TopicSafe(objectID) + "/config"
}

func (q *Queue) stateTopic(userID, key string) string {
	return q.cfg.TopicPrefix + "/" + sensor.TopicSafe(userID) + "/" + sensor.TopicSafe(key) + "/state"
}

func (q *Queue) availabilityTopic(userID, key string) string {
	return q.cfg.TopicPrefix + "/" + sensor.TopicSafe(userID) + "/" + sensor.TopicSafe(key) + "/availability"
}

func (q *Queue) statusTopic() string {
	return q.cfg.TopicPrefix + "/status"
}

func statePayload(e *sensor.Entity) string {
	v := e.NativeValue()
	if v == nil {
		return payloadNone
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func availabilityPayload(e *sensor.Entity) string {
	if e.Available() {
		return payloadOnline
	}
	return payloadOffline
}
