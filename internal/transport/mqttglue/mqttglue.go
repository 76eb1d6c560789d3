// Package mqttglue implements the MQTT topic map (spec §4.8 C9):
// iaq/<device_id>/state|metrics|health|status|sensor/*, a retained
// "online"/Last-Will "offline" status topic, and a cmd/# subscription
// dispatching restart/calibrate onto the coordinator. Grounded on
// other_examples/084dc819_ljosa-aqi-mqtt's client-options/subscribe/
// publish shape, generalized from that single-topic relay into this
// system's five-topic publish surface plus a command channel.
package mqttglue

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/coordinator"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/publish"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
)

const (
	qosAtLeastOnce byte = 1
	connectTimeout      = 10 * time.Second
)

// Glue owns the paho client and the topic map built around one device ID.
type Glue struct {
	client mqtt.Client
	coord  *coordinator.Coordinator
	snap   *snapshot.Store
	cfg    *config.Config
	nowUs  func() int64
	log    *zap.Logger

	statusTopic string
	cmdFilter   string
}

// New builds a Glue and its underlying paho client with Last Will
// registered on the status topic, but does not connect (call Connect).
func New(coord *coordinator.Coordinator, snap *snapshot.Store, cfg *config.Config, nowUs func() int64, log *zap.Logger) *Glue {
	g := &Glue{
		coord:       coord,
		snap:        snap,
		cfg:         cfg,
		nowUs:       nowUs,
		log:         log,
		statusTopic: topic(cfg.DeviceID, "status"),
		cmdFilter:   topic(cfg.DeviceID, "cmd/#"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.BrokerURL)
	opts.SetClientID(cfg.MQTT.ClientID)
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWill(g.statusTopic, "offline", qosAtLeastOnce, true)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(g.onConnect)
	opts.SetConnectionLostHandler(g.onConnectionLost)

	g.client = mqtt.NewClient(opts)
	return g
}

func topic(deviceID, suffix string) string {
	return "iaq/" + deviceID + "/" + suffix
}

// Connect blocks until the broker connection (and status/cmd subscription)
// succeeds or connectTimeout elapses.
func (g *Glue) Connect() error {
	token := g.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return iaqerr.Timeout("mqttglue.connect", "broker did not respond within the connect timeout")
	}
	return token.Error()
}

// Disconnect unsubscribes and closes the connection, publishing a final
// retained "offline" so observers don't have to wait for the broker to
// notice the Last Will.
func (g *Glue) Disconnect() {
	g.client.Unsubscribe(g.cmdFilter)
	g.client.Publish(g.statusTopic, qosAtLeastOnce, true, "offline").Wait()
	g.client.Disconnect(250)
}

// onConnect publishes the retained "online" status and (re-)subscribes to
// cmd/# (spec §4.8 "status topic has online retained on connect").
func (g *Glue) onConnect(c mqtt.Client) {
	c.Publish(g.statusTopic, qosAtLeastOnce, true, "online")
	if token := c.Subscribe(g.cmdFilter, qosAtLeastOnce, g.handleCmd); token.Wait() && token.Error() != nil {
		if g.log != nil {
			g.log.Error("mqttglue subscribe failed", zap.Error(token.Error()))
		}
	}
}

func (g *Glue) onConnectionLost(c mqtt.Client, err error) {
	if g.log != nil {
		g.log.Warn("mqtt connection lost", zap.Error(err))
	}
}

// PublishAll snapshots once and publishes state/metrics/health/per-sensor
// payloads, matching the REST surface's JSON builders so MQTT and REST
// clients observe identical shapes (spec §4.7 "snapshot first, build
// second").
func (g *Glue) PublishAll() error {
	d := g.snap.Read()

	if err := g.publishJSON("state", publish.State(d, g.cfg.Feature)); err != nil {
		return err
	}
	if err := g.publishJSON("metrics", publish.Metrics(d)); err != nil {
		return err
	}
	if err := g.publishJSON("health", publish.Health(d, g.nowUs())); err != nil {
		return err
	}
	for _, id := range config.AllSensors {
		rt, ok := d.Sensors[id]
		if !ok {
			continue
		}
		if err := g.publishJSON("sensor/"+string(id), rt); err != nil {
			return err
		}
	}
	return nil
}

func (g *Glue) publishJSON(suffix string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := g.client.Publish(topic(g.cfg.DeviceID, suffix), qosAtLeastOnce, false, payload)
	token.Wait()
	return token.Error()
}

// handleCmd dispatches iaq/<device_id>/cmd/{restart,calibrate/<sensor>}
// (spec §4.8 "subscriptions: cmd/# with handlers for restart and
// calibrate").
func (g *Glue) handleCmd(c mqtt.Client, msg mqtt.Message) {
	prefix := topic(g.cfg.DeviceID, "cmd/")
	rest := strings.TrimPrefix(msg.Topic(), prefix)
	parts := strings.SplitN(rest, "/", 2)

	switch parts[0] {
	case "restart":
		// Platform reboot is an external collaborator (spec §1); nothing
		// for the coordinator to do here beyond acknowledging receipt.
		if g.log != nil {
			g.log.Info("mqtt restart command received")
		}
	case "calibrate":
		if len(parts) < 2 {
			return
		}
		id := config.SensorID(parts[1])
		if !knownSensor(id) {
			return
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Payload())), 64)
		if err != nil {
			return
		}
		g.coord.Calibrate(id, value)
	}
}

func knownSensor(id config.SensorID) bool {
	for _, known := range config.AllSensors {
		if known == id {
			return true
		}
	}
	return false
}
