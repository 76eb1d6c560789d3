package mqttglue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/clock"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/coordinator"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/fusion"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/kvstore"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/metrics"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
)

// fakeToken satisfies mqtt.Token without a broker round-trip.
type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (t *fakeToken) Error() error                   { return t.err }

// fakeClient records every publish so tests can assert on topic/payload
// without a live broker, the way the pack has no MQTT-integration test to
// imitate (ljosa-aqi-mqtt has none either).
type fakeClient struct {
	published []publishedMsg
}

type publishedMsg struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

func (c *fakeClient) IsConnected() bool       { return true }
func (c *fakeClient) IsConnectionOpen() bool  { return true }
func (c *fakeClient) Connect() mqtt.Token     { return &fakeToken{} }
func (c *fakeClient) Disconnect(quiesce uint) {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	c.published = append(c.published, publishedMsg{topic: topic, qos: qos, retained: retained, payload: b})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token { return &fakeToken{} }
func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// fakeMessage satisfies mqtt.Message for handleCmd tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type calibratableDriver struct {
	lastCalibration chan float64
}

func (d *calibratableDriver) Init(ctx context.Context) error   { return nil }
func (d *calibratableDriver) Deinit(ctx context.Context) error { return nil }
func (d *calibratableDriver) Read(ctx context.Context) (drivers.Reading, error) {
	return drivers.Reading{}, nil
}
func (d *calibratableDriver) Reset(ctx context.Context) error  { return nil }
func (d *calibratableDriver) Enable(ctx context.Context) error { return nil }
func (d *calibratableDriver) Disable(ctx context.Context) error {
	return nil
}
func (d *calibratableDriver) Calibrate(ctx context.Context, value float64) error {
	d.lastCalibration <- value
	return nil
}

func newTestGlue(t *testing.T) (*Glue, *fakeClient, *calibratableDriver) {
	t.Helper()
	cfg := config.Default()
	cfg.DeviceID = "test-device"
	fake := clock.NewFake()
	kv, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	snap := snapshot.New()
	fusionStage := fusion.NewStage(fake, kv, cfg.Fusion)
	metricsStage := metrics.NewStage(fake, cfg.Metrics, cfg.Feature)
	drv := &calibratableDriver{lastCalibration: make(chan float64, 1)}
	coord := coordinator.New(cfg, fake, kv, snap, fusionStage, metricsStage,
		map[config.SensorID]drivers.Driver{config.SensorCO2: drv}, nil)
	coord.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go coord.Run(ctx)

	fc := &fakeClient{}
	g := &Glue{
		client:      fc,
		coord:       coord,
		snap:        snap,
		cfg:         cfg,
		nowUs:       func() int64 { return fake.NowUs() },
		statusTopic: topic(cfg.DeviceID, "status"),
		cmdFilter:   topic(cfg.DeviceID, "cmd/#"),
	}
	return g, fc, drv
}

func TestPublishAllCoversStateMetricsHealthAndSensors(t *testing.T) {
	g, fc, _ := newTestGlue(t)
	require.NoError(t, g.PublishAll())

	topics := map[string]bool{}
	for _, m := range fc.published {
		topics[m.topic] = true
	}
	require.True(t, topics["iaq/test-device/state"])
	require.True(t, topics["iaq/test-device/metrics"])
	require.True(t, topics["iaq/test-device/health"])
	require.True(t, topics["iaq/test-device/sensor/co2"])
}

func TestPublishAllStatePayloadIsValidJSON(t *testing.T) {
	g, fc, _ := newTestGlue(t)
	require.NoError(t, g.PublishAll())

	for _, m := range fc.published {
		if m.topic == "iaq/test-device/state" {
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(m.payload, &body))
			require.Contains(t, body, "temp_c")
			return
		}
	}
	t.Fatal("state topic never published")
}

func TestHandleCmdCalibrateDispatchesToCoordinator(t *testing.T) {
	g, _, drv := newTestGlue(t)
	msg := &fakeMessage{topic: "iaq/test-device/cmd/calibrate/co2", payload: []byte("415.0")}
	g.handleCmd(g.client, msg)

	select {
	case v := <-drv.lastCalibration:
		require.InDelta(t, 415.0, v, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("calibrate command never reached the driver")
	}
}

func TestHandleCmdUnknownSensorIsIgnored(t *testing.T) {
	g, _, _ := newTestGlue(t)
	msg := &fakeMessage{topic: "iaq/test-device/cmd/calibrate/bogus", payload: []byte("1.0")}
	require.NotPanics(t, func() { g.handleCmd(g.client, msg) })
}

func TestHandleCmdRestartDoesNotPanic(t *testing.T) {
	g, _, _ := newTestGlue(t)
	msg := &fakeMessage{topic: "iaq/test-device/cmd/restart", payload: nil}
	require.NotPanics(t, func() { g.handleCmd(g.client, msg) })
}

func TestDisconnectPublishesRetainedOffline(t *testing.T) {
	g, fc, _ := newTestGlue(t)
	g.Disconnect()

	found := false
	for _, m := range fc.published {
		if m.topic == "iaq/test-device/status" && string(m.payload) == "offline" && m.retained {
			found = true
		}
	}
	require.True(t, found)
}
