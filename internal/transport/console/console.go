// Package console implements the on-device command REPL (spec §4.8 C9):
// a line-oriented parser over the command set {status, restart, wifi,
// mqtt, sensor, free, version, power}, grounded on arx-os-arxos's
// bufio.Scanner-driven shell loop
// (cmd/commands/query/shell.go's AQLShell.Run). Unlike that shell this one
// has no history/auto-complete (the spec names neither), just the
// command table and the prompt-embedded exit code spec §4.8 asks for.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/clock"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/coordinator"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
)

// Version is the firmware version string printed by the `version`
// command; cmd/iaqd assigns it its build version at startup, defaulting to
// "dev" so tests don't need to care.
var Version = "dev"

// Console drives the REPL over an arbitrary reader/writer pair so it can
// be wired to a UART console, a telnet session, or (in tests) an
// in-memory pipe.
type Console struct {
	coord *coordinator.Coordinator
	snap  *snapshot.Store
	cfg   *config.Config
	clk   clock.Clock
	log   *zap.Logger

	// MQTTPublishNow, when set, is invoked by "mqtt publish" to trigger an
	// out-of-cycle publish; left nil when no MQTT glue is wired (tests,
	// or a build without network connectivity).
	MQTTPublishNow func() error
}

// New builds a Console bound to the live coordinator/snapshot/config.
func New(coord *coordinator.Coordinator, snap *snapshot.Store, cfg *config.Config, clk clock.Clock, log *zap.Logger) *Console {
	return &Console{coord: coord, snap: snap, cfg: cfg, clk: clk, log: log}
}

// Run reads lines from in and writes prompts/output to out until in is
// exhausted or ctx is cancelled. It never returns an error for a bad
// command; malformed input is reported as text with a nonzero exit code
// in the next prompt, matching spec §4.8 "exit code is the command's
// integer return, surfaced in the prompt".
func (c *Console) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	lastExit := 0

	fmt.Fprintf(out, "iaq(%d)> ", lastExit)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprintf(out, "iaq(%d)> ", lastExit)
			continue
		}
		lastExit = c.dispatch(ctx, strings.Fields(line), out)
		fmt.Fprintf(out, "iaq(%d)> ", lastExit)
	}
	return scanner.Err()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := err.(*iaqerr.Error); ok {
		return int(e.Kind) + 1
	}
	return 1
}

func (c *Console) dispatch(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 {
		return 0
	}
	if c.log != nil {
		c.log.Debug("console command", zap.String("cmd", args[0]))
	}
	switch args[0] {
	case "status":
		return c.cmdStatus(out)
	case "restart":
		fmt.Fprintln(out, "restart requested (platform reboot is an external collaborator)")
		return 0
	case "wifi":
		return c.cmdWifi(args[1:], out)
	case "mqtt":
		return c.cmdMQTT(args[1:], out)
	case "sensor":
		return c.cmdSensor(ctx, args[1:], out)
	case "free":
		return c.cmdFree(out)
	case "version":
		fmt.Fprintln(out, Version)
		return 0
	case "power":
		return c.cmdPower(args[1:], out)
	default:
		fmt.Fprintf(out, "unknown command: %s\n", args[0])
		return exitCode(iaqerr.InvalidArg("console.dispatch", "unknown command "+args[0]))
	}
}

func (c *Console) cmdStatus(out io.Writer) int {
	d := c.snap.Read()
	fmt.Fprintf(out, "uptime=%ds wifi=%v mqtt=%v time_synced=%v\n",
		d.System.UptimeS, d.System.WiFiConnected, d.System.MQTTConnected, d.System.TimeSynced)
	for _, id := range config.AllSensors {
		rt, ok := d.Sensors[id]
		if !ok {
			continue
		}
		fmt.Fprintf(out, "  %-10s state=%-8s errors=%d cadence_ms=%d enabled=%v\n",
			id, rt.State, rt.ErrorCount, rt.CadenceMs, rt.Enabled)
	}
	return 0
}

func (c *Console) cmdWifi(args []string, out io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(out, "usage: wifi {status|scan|set|restart}")
		return exitCode(iaqerr.InvalidArg("console.wifi", "missing subcommand"))
	}
	switch args[0] {
	case "status":
		d := c.snap.Read()
		fmt.Fprintf(out, "connected=%v rssi=%d\n", d.System.WiFiConnected, d.System.WiFiRSSI)
		return 0
	default:
		// scan/set/restart drive the WiFi manager, an out-of-scope
		// external collaborator (spec §1); nothing to dispatch to here.
		err := iaqerr.NotSupported("console.wifi", args[0]+" requires the WiFi manager")
		fmt.Fprintln(out, err)
		return exitCode(err)
	}
}

func (c *Console) cmdMQTT(args []string, out io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(out, "usage: mqtt {status|publish|set|restart}")
		return exitCode(iaqerr.InvalidArg("console.mqtt", "missing subcommand"))
	}
	switch args[0] {
	case "status":
		d := c.snap.Read()
		fmt.Fprintf(out, "connected=%v broker=%s\n", d.System.MQTTConnected, c.cfg.MQTT.BrokerURL)
		return 0
	case "publish":
		if c.MQTTPublishNow == nil {
			err := iaqerr.NotSupported("console.mqtt", "no MQTT glue wired")
			fmt.Fprintln(out, err)
			return exitCode(err)
		}
		if err := c.MQTTPublishNow(); err != nil {
			fmt.Fprintln(out, err)
			return exitCode(err)
		}
		return 0
	default:
		err := iaqerr.NotSupported("console.mqtt", args[0]+" requires the MQTT manager")
		fmt.Fprintln(out, err)
		return exitCode(err)
	}
}

func parseSensorID(s string) (config.SensorID, error) {
	id := config.SensorID(s)
	for _, known := range config.AllSensors {
		if known == id {
			return id, nil
		}
	}
	return "", iaqerr.InvalidArg("console.sensor", "unknown sensor "+s)
}

func (c *Console) cmdSensor(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(out, "usage: sensor {status|read|reset|calibrate|cadence|disable|enable|s8 ...}")
		return exitCode(iaqerr.InvalidArg("console.sensor", "missing subcommand"))
	}
	sub := args[0]
	rest := args[1:]

	if sub == "status" {
		return c.cmdStatus(out)
	}
	if sub == "s8" {
		return c.cmdSensorS8(rest, out)
	}

	if len(rest) == 0 {
		err := iaqerr.InvalidArg("console.sensor", "missing sensor id")
		fmt.Fprintln(out, err)
		return exitCode(err)
	}
	id, err := parseSensorID(rest[0])
	if err != nil {
		fmt.Fprintln(out, err)
		return exitCode(err)
	}
	rest = rest[1:]

	switch sub {
	case "read":
		reading, err := c.coord.ForceReadSync(ctx, id, 2*time.Second)
		if err != nil {
			fmt.Fprintln(out, err)
			return exitCode(err)
		}
		fmt.Fprintf(out, "%+v\n", reading)
		return 0
	case "reset":
		c.coord.Reset(id)
		return 0
	case "calibrate":
		if len(rest) == 0 {
			err := iaqerr.InvalidArg("console.sensor", "missing calibrate value")
			fmt.Fprintln(out, err)
			return exitCode(err)
		}
		v, perr := strconv.ParseFloat(rest[0], 64)
		if perr != nil {
			err := iaqerr.InvalidArg("console.sensor", "value must be a number")
			fmt.Fprintln(out, err)
			return exitCode(err)
		}
		c.coord.Calibrate(id, v)
		return 0
	case "cadence":
		if len(rest) == 0 {
			err := iaqerr.InvalidArg("console.sensor", "missing cadence ms")
			fmt.Fprintln(out, err)
			return exitCode(err)
		}
		ms, perr := strconv.Atoi(rest[0])
		if perr != nil || ms < 0 {
			err := iaqerr.InvalidArg("console.sensor", "cadence must be a non-negative integer")
			fmt.Fprintln(out, err)
			return exitCode(err)
		}
		c.coord.SetCadence(id, ms)
		return 0
	case "enable":
		c.coord.Enable(id)
		return 0
	case "disable":
		c.coord.Disable(id)
		return 0
	default:
		err := iaqerr.InvalidArg("console.sensor", "unknown subcommand "+sub)
		fmt.Fprintln(out, err)
		return exitCode(err)
	}
}

func (c *Console) cmdSensorS8(args []string, out io.Writer) int {
	if len(args) == 0 || args[0] != "diag" {
		fmt.Fprintln(out, "usage: sensor s8 diag")
		return exitCode(iaqerr.InvalidArg("console.sensor.s8", "usage: sensor s8 diag"))
	}
	d := c.snap.Read()
	fmt.Fprintf(out, "low_signal=%v low_vcc=%v calibration_error=%v calibration_busy=%v\n",
		d.CO2Diag.LowSignal, d.CO2Diag.LowVcc, d.CO2Diag.CalibrationError, d.CO2Diag.CalibrationBusy)
	return 0
}

func (c *Console) cmdFree(out io.Writer) int {
	d := c.snap.Read()
	fmt.Fprintf(out, "internal_free=%d internal_total=%d spiram_free=%d spiram_total=%d\n",
		d.System.InternalFreeB, d.System.InternalTotalB, d.System.SPIRAMFreeB, d.System.SPIRAMTotalB)
	return 0
}

func (c *Console) cmdPower(args []string, out io.Writer) int {
	d := c.snap.Read()
	if !d.Power.Present {
		err := iaqerr.NotSupported("console.power", "no power board present")
		fmt.Fprintln(out, err)
		return exitCode(err)
	}
	if len(args) == 0 {
		args = []string{"status"}
	}
	switch args[0] {
	case "status":
		fmt.Fprintf(out, "voltage_v=%.3f current_a=%.3f power_w=%.3f\n", d.Power.VoltageV, d.Power.CurrentA, d.Power.PowerW)
		return 0
	default:
		// rails/charger/limit drive the power-board driver, an
		// out-of-scope external collaborator (spec §1).
		err := iaqerr.NotSupported("console.power", args[0]+" requires the power-board driver")
		fmt.Fprintln(out, err)
		return exitCode(err)
	}
}
