// Package publish delivers device snapshots to an MQTT broker, with Home
// Assistant discovery so sensors appear without manual configuration.
package publish

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/tamzrod/renogy-bridge/internal/telemetry"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Config mirrors the bridge.mqtt config block.
type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// DeviceMeta is what discovery announces about a device. Keyed by identity
// ID at construction so Publish needs nothing but the snapshot.
type DeviceMeta struct {
	Name string
	Type string
	MAC  string
}

// Publisher writes one retained state document and one availability flag
// per device, plus discovery configs the first time each field is seen.
type Publisher struct {
	client  pahomqtt.Client
	cfg     Config
	devices map[string]DeviceMeta
	log     zerolog.Logger

	mu         sync.Mutex
	discovered map[string]map[string]bool
	online     map[string]bool
}

// Connect dials the broker and returns a ready publisher. The broker sees
// the bridge go down via a last-will on the bridge availability topic.
func Connect(cfg Config, devices map[string]DeviceMeta, log zerolog.Logger) (*Publisher, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetWill(cfg.TopicPrefix+"/bridge/availability", payloadOffline, 1, true)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("publish: connect to %s: timeout after %v", cfg.Broker, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("publish: connect to %s: %w", cfg.Broker, err)
	}

	p := newWithClient(client, cfg, devices, log)
	p.publish(cfg.TopicPrefix+"/bridge/availability", payloadOnline, true)
	return p, nil
}

// newWithClient wires a publisher around an existing client. Split out so
// tests can inject a fake.
func newWithClient(client pahomqtt.Client, cfg Config, devices map[string]DeviceMeta, log zerolog.Logger) *Publisher {
	meta := make(map[string]DeviceMeta, len(devices))
	for id, m := range devices {
		meta[id] = m
	}
	return &Publisher{
		client:     client,
		cfg:        cfg,
		devices:    meta,
		log:        log,
		discovered: make(map[string]map[string]bool),
		online:     make(map[string]bool),
	}
}

// ---- HA DISCOVERY DOCUMENTS ----

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
}

type discoveryConfig struct {
	Base              string          `json:"~"`
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	StateTopic        string          `json:"state_topic"`
	AvailabilityTopic string          `json:"availability_topic"`
	ValueTemplate     string          `json:"value_template"`
	Unit              string          `json:"unit_of_measurement,omitempty"`
	Device            discoveryDevice `json:"device"`
}

// Publish sends the snapshot's fields as one retained JSON document and
// flips the device availability flag from its health.
func (p *Publisher) Publish(id telemetry.DeviceIdentity, snap telemetry.Snapshot) error {
	base := p.cfg.TopicPrefix + "/" + id.ID

	p.announceFields(id, base, snap)

	online := snap.Health == telemetry.HealthOK || snap.Health == telemetry.HealthStale
	p.setAvailability(id.ID, base, online)

	doc := make(map[string]any, len(snap.Fields)+2)
	for name, v := range snap.Fields {
		switch v.Kind {
		case telemetry.KindNumber:
			doc[name] = v.Number
		case telemetry.KindText:
			doc[name] = v.Text
		}
	}
	doc["health"] = snap.Health.String()
	doc["taken"] = snap.Taken.UTC().Format(time.RFC3339)

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("publish: encode state for %s: %w", id, err)
	}
	return p.publish(base+"/state", payload, true)
}

// announceFields emits a retained discovery config for every field not yet
// seen on this device.
func (p *Publisher) announceFields(id telemetry.DeviceIdentity, base string, snap telemetry.Snapshot) {
	meta := p.devices[id.ID]

	p.mu.Lock()
	seen := p.discovered[id.ID]
	if seen == nil {
		seen = make(map[string]bool)
		p.discovered[id.ID] = seen
	}
	var fresh []string
	for name := range snap.Fields {
		if !seen[name] {
			seen[name] = true
			fresh = append(fresh, name)
		}
	}
	p.mu.Unlock()

	for _, name := range fresh {
		cfg := discoveryConfig{
			Base:              base,
			Name:              meta.Name + " " + name,
			UniqueID:          id.ID + "_" + name,
			StateTopic:        "~/state",
			AvailabilityTopic: "~/availability",
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", name),
			Unit:              snap.Fields[name].Unit,
			Device: discoveryDevice{
				Identifiers:  []string{id.ID},
				Name:         meta.Name,
				Model:        meta.Type,
				Manufacturer: "Renogy",
			},
		}

		payload, err := json.Marshal(cfg)
		if err != nil {
			p.log.Error().Err(err).Str("field", name).Msg("discovery encode failed")
			continue
		}

		topic := fmt.Sprintf("%s/sensor/%s/%s/config", p.cfg.DiscoveryPrefix, id.ID, name)
		if err := p.publish(topic, payload, true); err != nil {
			p.log.Error().Err(err).Str("topic", topic).Msg("discovery publish failed")
		}
	}
}

// setAvailability publishes the flag only on transitions.
func (p *Publisher) setAvailability(id, base string, online bool) {
	p.mu.Lock()
	prev, known := p.online[id]
	p.online[id] = online
	p.mu.Unlock()

	if known && prev == online {
		return
	}

	payload := payloadOffline
	if online {
		payload = payloadOnline
	}
	if err := p.publish(base+"/availability", payload, true); err != nil {
		p.log.Error().Err(err).Str("device", id).Msg("availability publish failed")
	}
}

func (p *Publisher) publish(topic string, payload any, retained bool) error {
	token := p.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish: %s: timeout after %v", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %s: %w", topic, err)
	}
	return nil
}

// Close marks the bridge offline and disconnects.
func (p *Publisher) Close() {
	p.publish(p.cfg.TopicPrefix+"/bridge/availability", payloadOffline, true)
	p.client.Disconnect(1000)
}
