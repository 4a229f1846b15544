package publish

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/renogy-bridge/internal/telemetry"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Error() error                   { return nil }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeClient records published messages. Only the methods the publisher
// touches are implemented; anything else panics via the embedded nil.
type fakeClient struct {
	pahomqtt.Client

	mu   sync.Mutex
	msgs []message
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, message{topic: topic, payload: data, retained: retained})
	c.mu.Unlock()
	return fakeToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) {}

func (c *fakeClient) onTopic(topic string) []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message
	for _, m := range c.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeClient) topicsWithPrefix(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.msgs {
		if strings.HasPrefix(m.topic, prefix) {
			out = append(out, m.topic)
		}
	}
	return out
}

var testID = telemetry.DeviceIdentity{Domain: telemetry.Domain, ID: "ble_AA:BB:CC:DD:EE:FF"}

func newTestPublisher() (*Publisher, *fakeClient) {
	client := &fakeClient{}
	p := newWithClient(client, Config{
		TopicPrefix:     "renogy",
		DiscoveryPrefix: "homeassistant",
	}, map[string]DeviceMeta{
		testID.ID: {Name: "shed", Type: "controller", MAC: "AA:BB:CC:DD:EE:FF"},
	}, zerolog.Nop())
	return p, client
}

func snapshot(health telemetry.Health) telemetry.Snapshot {
	return telemetry.Snapshot{
		Fields: map[string]telemetry.Value{
			"battery_voltage": telemetry.Number(13.2, "V"),
			"charging_state":  telemetry.Text("mppt"),
		},
		Taken:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Health: health,
	}
}

func TestPublish_State(t *testing.T) {
	p, client := newTestPublisher()

	require.NoError(t, p.Publish(testID, snapshot(telemetry.HealthOK)))

	msgs := client.onTopic("renogy/ble_AA:BB:CC:DD:EE:FF/state")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].retained)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &doc))
	assert.Equal(t, 13.2, doc["battery_voltage"])
	assert.Equal(t, "mppt", doc["charging_state"])
	assert.Equal(t, "ok", doc["health"])
	assert.Equal(t, "2025-06-01T12:00:00Z", doc["taken"])
}

func TestPublish_DiscoveryOnce(t *testing.T) {
	p, client := newTestPublisher()

	require.NoError(t, p.Publish(testID, snapshot(telemetry.HealthOK)))
	require.NoError(t, p.Publish(testID, snapshot(telemetry.HealthOK)))

	topics := client.topicsWithPrefix("homeassistant/sensor/")
	assert.Len(t, topics, 2, "one config per field, announced once")

	msgs := client.onTopic("homeassistant/sensor/ble_AA:BB:CC:DD:EE:FF/battery_voltage/config")
	require.Len(t, msgs, 1)

	var cfg map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &cfg))
	assert.Equal(t, "renogy/ble_AA:BB:CC:DD:EE:FF", cfg["~"])
	assert.Equal(t, "shed battery_voltage", cfg["name"])
	assert.Equal(t, "ble_AA:BB:CC:DD:EE:FF_battery_voltage", cfg["unique_id"])
	assert.Equal(t, "~/state", cfg["state_topic"])
	assert.Equal(t, "V", cfg["unit_of_measurement"])
	assert.Equal(t, "{{ value_json.battery_voltage }}", cfg["value_template"])

	dev, ok := cfg["device"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "shed", dev["name"])
	assert.Equal(t, "controller", dev["model"])
}

func TestPublish_AvailabilityTransitions(t *testing.T) {
	p, client := newTestPublisher()
	topic := "renogy/ble_AA:BB:CC:DD:EE:FF/availability"

	// ok and stale count as online; only transitions are published.
	require.NoError(t, p.Publish(testID, snapshot(telemetry.HealthOK)))
	require.NoError(t, p.Publish(testID, snapshot(telemetry.HealthStale)))
	require.NoError(t, p.Publish(testID, snapshot(telemetry.HealthUnreachable)))
	require.NoError(t, p.Publish(testID, snapshot(telemetry.HealthOK)))

	msgs := client.onTopic(topic)
	require.Len(t, msgs, 3)
	assert.Equal(t, "online", string(msgs[0].payload))
	assert.Equal(t, "offline", string(msgs[1].payload))
	assert.Equal(t, "online", string(msgs[2].payload))
}

func TestClose_MarksBridgeOffline(t *testing.T) {
	p, client := newTestPublisher()

	p.Close()

	msgs := client.onTopic("renogy/bridge/availability")
	require.Len(t, msgs, 1)
	assert.Equal(t, "offline", string(msgs[0].payload))
	assert.True(t, msgs[0].retained)
}
