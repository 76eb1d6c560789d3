package console

import (
	"context"
	"strings"
	"testing"
	"time"

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

type noopDriver struct{}

func (noopDriver) Init(ctx context.Context) error           { return nil }
func (noopDriver) Deinit(ctx context.Context) error         { return nil }
func (noopDriver) Read(ctx context.Context) (drivers.Reading, error) { return drivers.Reading{}, nil }
func (noopDriver) Reset(ctx context.Context) error           { return nil }
func (noopDriver) Enable(ctx context.Context) error          { return nil }
func (noopDriver) Disable(ctx context.Context) error         { return nil }

func newTestConsole(t *testing.T) *Console {
	t.Helper()
	cfg := config.Default()
	fake := clock.NewFake()
	kv, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	snap := snapshot.New()
	fusionStage := fusion.NewStage(fake, kv, cfg.Fusion)
	metricsStage := metrics.NewStage(fake, cfg.Metrics, cfg.Feature)
	coord := coordinator.New(cfg, fake, kv, snap, fusionStage, metricsStage,
		map[config.SensorID]drivers.Driver{config.SensorCO2: noopDriver{}}, nil)
	coord.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go coord.Run(ctx)

	return New(coord, snap, cfg, fake, nil)
}

func run(t *testing.T, c *Console, input string) string {
	t.Helper()
	var out strings.Builder
	err := c.Run(context.Background(), strings.NewReader(input), &out)
	require.NoError(t, err)
	return out.String()
}

func TestStatusCommand(t *testing.T) {
	c := newTestConsole(t)
	out := run(t, c, "status\n")
	require.Contains(t, out, "wifi=")
	require.Contains(t, out, "co2")
}

func TestUnknownCommandReturnsNonZeroExitInPrompt(t *testing.T) {
	c := newTestConsole(t)
	out := run(t, c, "bogus\n")
	require.Contains(t, out, "unknown command: bogus")
	require.Contains(t, out, "iaq(1)> ")
}

func TestSensorCadenceRoundTrip(t *testing.T) {
	c := newTestConsole(t)
	out := run(t, c, "sensor cadence co2 3000\n")
	require.Contains(t, out, "iaq(0)> ")
	require.Eventually(t, func() bool {
		return c.snap.Read().Sensors[config.SensorCO2].CadenceMs == 3000
	}, time.Second, time.Millisecond)
}

func TestSensorUnknownIDFails(t *testing.T) {
	c := newTestConsole(t)
	out := run(t, c, "sensor reset nope\n")
	require.Contains(t, out, "unknown sensor nope")
}

func TestWifiStatusAndUnsupportedSubcommand(t *testing.T) {
	c := newTestConsole(t)
	out := run(t, c, "wifi status\nwifi scan\n")
	require.Contains(t, out, "connected=false")
	require.Contains(t, out, "requires the WiFi manager")
}

func TestPowerAbsentReturnsNotSupported(t *testing.T) {
	c := newTestConsole(t)
	out := run(t, c, "power status\n")
	require.Contains(t, out, "no power board present")
}

func TestVersionCommand(t *testing.T) {
	c := newTestConsole(t)
	out := run(t, c, "version\n")
	require.Contains(t, out, Version)
}
