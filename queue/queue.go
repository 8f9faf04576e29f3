package queue

import (
	"errors"
	"fmt"
	"github.com/XANi/ecos2mqtt/integration"
	"github.com/XANi/ecos2mqtt/sensor"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"
)

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// connectionChecker is implemented by mqtt.Client
type connectionChecker interface {
	IsConnectionOpen() bool
}

type Config struct {
	MQTTAddr string
	Logger   *zap.SugaredLogger
	// DiscoveryPrefix is where Home Assistant listens for discovery configs
	DiscoveryPrefix string
	TopicPrefix     string
	ClientID        string
	PublishTimeout  time.Duration
}

type entrySensors struct {
	entry    integration.ConfigEntry
	entities []*sensor.Entity
}

// Queue publishes sensor entities to Home Assistant over MQTT discovery
type Queue struct {
	cfg    Config
	log    *zap.SugaredLogger
	client publisher
	sync.RWMutex
	sensorMap map[string]entrySensors
}

var _ sensor.Sink = (*Queue)(nil)

func New(cfg *Config) (*Queue, error) {
	mqttURL, err := url.Parse(cfg.MQTTAddr)
	if err != nil {
		return nil, fmt.Errorf("cannot parse MQTT URL: %w", err)
	}
	q := newQueue(*cfg, nil)
	p, _ := mqttURL.User.Password()
	broker := *mqttURL
	broker.User = nil
	opts := mqtt.NewClientOptions().
		AddBroker(broker.String()).
		SetUsername(mqttURL.User.Username()).
		SetPassword(p).
		SetClientID(q.cfg.ClientID).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(5 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(10 * time.Second).
		SetWill(q.statusTopic(), payloadOffline, 1, true).
		SetOnConnectHandler(func(c mqtt.Client) {
			q.log.Infof("connected to %s", broker.Host)
			q.republish()
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			q.log.Warnf("lost connection to %s: %s", broker.Host, err)
		})

	client := mqtt.NewClient(opts)
	q.client = client
	if token := client.Connect(); token.WaitTimeout(q.cfg.PublishTimeout*3) && token.Error() != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", broker.Host, token.Error())
	}
	return q, nil
}

func newQueue(cfg Config, client publisher) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = integration.Domain
	}
	if cfg.ClientID == "" {
		cfg.ClientID = clientID("ecos2mqtt")
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Queue{
		cfg:       cfg,
		log:       cfg.Logger,
		client:    client,
		sensorMap: map[string]entrySensors{},
	}
}

// AddEntities records the entities of an entry and announces them to Home Assistant.
// While the broker is unreachable nothing is published, the on-connect handler announces
// everything recorded. Publish failures are logged and retried on the next connect.
func (q *Queue) AddEntities(entry integration.ConfigEntry, entities []*sensor.Entity) error {
	discovery, err := q.encodeDiscovery(entry, entities)
	if err != nil {
		return err
	}
	q.Lock()
	q.sensorMap[entry.EntryID] = entrySensors{entry: entry, entities: entities}
	q.Unlock()
	if !q.online() {
		q.log.Infof("broker not connected, %s will be announced on connect", entry.Title)
		return nil
	}
	if err := q.publish(q.statusTopic(), true, payloadOnline); err != nil {
		q.log.Warnf("error publishing online status: %s", err)
		return nil
	}
	if err := q.publishDiscovery(discovery); err != nil {
		q.log.Warnf("error announcing %s, retrying on reconnect: %s", entry.Title, err)
	}
	return nil
}

// StateChanged publishes current state and availability of every entity of the entry
func (q *Queue) StateChanged(entryID string) {
	q.RLock()
	es, ok := q.sensorMap[entryID]
	q.RUnlock()
	if !ok || !q.online() {
		return
	}
	var errs []error
	for _, e := range es.entities {
		key := e.Description().Key
		avail := availabilityPayload(e)
		errs = append(errs, q.publish(q.availabilityTopic(es.entry.Data.ID, key), true, avail))
		if avail == payloadOnline {
			errs = append(errs, q.publish(q.stateTopic(es.entry.Data.ID, key), true, statePayload(e)))
		}
	}
	if err := errors.Join(errs...); err != nil {
		q.log.Warnf("error publishing state of %s: %s", es.entry.Title, err)
	}
}

// RemoveEntities marks the entities of an entry unavailable and clears their discovery configs
func (q *Queue) RemoveEntities(entryID string) error {
	q.Lock()
	es, ok := q.sensorMap[entryID]
	delete(q.sensorMap, entryID)
	q.Unlock()
	if !ok {
		return nil
	}
	if !q.online() {
		q.log.Warnf("broker not connected, retained configs of %s stay on the broker", es.entry.Title)
		return nil
	}
	var errs []error
	for _, e := range es.entities {
		errs = append(errs, q.publish(q.availabilityTopic(es.entry.Data.ID, e.Description().Key), true, payloadOffline))
		// empty retained config removes the entity from Home Assistant
		errs = append(errs, q.publish(q.configTopic(e.ObjectID()), true, ""))
	}
	return errors.Join(errs...)
}

// Close announces the bridge offline
func (q *Queue) Close() {
	if q.online() {
		if err := q.publish(q.statusTopic(), true, payloadOffline); err != nil {
			q.log.Warnf("error publishing offline status: %s", err)
		}
	}
	if c, ok := q.client.(mqtt.Client); ok {
		c.Disconnect(250)
	}
}

func (q *Queue) encodeDiscovery(entry integration.ConfigEntry, entities []*sensor.Entity) (map[string][]byte, error) {
	out := make(map[string][]byte, len(entities))
	for _, e := range entities {
		b, err := json.Marshal(q.discovery(entry, e))
		if err != nil {
			return nil, fmt.Errorf("error encoding discovery of %s: %w", e.UniqueID(), err)
		}
		out[q.configTopic(e.ObjectID())] = b
	}
	return out, nil
}

func (q *Queue) publishDiscovery(discovery map[string][]byte) error {
	for topic, b := range discovery {
		if err := q.publish(topic, true, b); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) announce(entry integration.ConfigEntry, entities []*sensor.Entity) error {
	discovery, err := q.encodeDiscovery(entry, entities)
	if err != nil {
		return err
	}
	if err := q.publishDiscovery(discovery); err != nil {
		return err
	}
	q.log.Debugf("announced %d sensors of %s", len(entities), entry.Title)
	return nil
}

// republish restores retained state after a reconnect, the broker may have lost it
func (q *Queue) republish() {
	if err := q.publish(q.statusTopic(), true, payloadOnline); err != nil {
		q.log.Warnf("error publishing online status: %s", err)
	}
	q.RLock()
	all := make([]entrySensors, 0, len(q.sensorMap))
	for _, es := range q.sensorMap {
		all = append(all, es)
	}
	q.RUnlock()
	for _, es := range all {
		if err := q.announce(es.entry, es.entities); err != nil {
			q.log.Warnf("error announcing %s: %s", es.entry.Title, err)
			continue
		}
		q.StateChanged(es.entry.EntryID)
	}
}

// online is false while the client is connecting or reconnecting.
// paho queues QoS 1 publishes in that state and their tokens only complete after connecting.
func (q *Queue) online() bool {
	if q.client == nil {
		return false
	}
	if c, ok := q.client.(connectionChecker); ok {
		return c.IsConnectionOpen()
	}
	return true
}

func (q *Queue) publish(topic string, retained bool, payload interface{}) error {
	if q.client == nil {
		return fmt.Errorf("mqtt client not connected")
	}
	token := q.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(q.cfg.PublishTimeout) {
		return fmt.Errorf("timeout publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("error publishing to %s: %w", topic, err)
	}
	return nil
}

const randASCII = "abcdefghijklmnopqrstuvwxyz0123456789"

func clientID(base string) string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = randASCII[rand.IntN(len(randASCII))]
	}
	return base + "-" + string(b)
}
