// Command iaqd is the IAQ monitor daemon: it brings up the I²C/UART
// buses, constructs every sensor driver, and wires the coordinator to its
// three transports (console, WebSocket, REST) plus the MQTT glue, then
// runs until SIGINT/SIGTERM. Grounded on arx-os-arxos/arx-backend/
// gateway/main.go's flag/load/validate/signal-handling shape and
// periph-devices/ina260/example.go's host.Init()/i2creg.Open() bus
// bring-up.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers/bmp3"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers/ina260power"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers/pms5003"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers/s8"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers/sgp41"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers/shtx"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers/tmp102mcu"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/clock"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/coordinator"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/fusion"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/history"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/kvstore"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/metrics"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/publish"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/transport/console"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/transport/mqttglue"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/transport/restapi"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/transport/wsocket"
)

// buildVersion is overridden at link time (-ldflags "-X main.buildVersion=...").
var buildVersion = "dev"

const historyAppendPeriod = 1 * time.Second

func main() {
	configPath := flag.String("config", "/etc/iaqd/iaqd.yaml", "path to configuration file")
	kvDir := flag.String("kv-dir", "/var/lib/iaqd/kv", "directory for the key/value persistence store")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "iaqd: logger init failed:", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	if _, err := host.Init(); err != nil {
		log.Fatal("periph host init failed", zap.Error(err))
	}

	i2cBus, err := i2creg.Open(cfg.Hardware.I2CBus)
	if err != nil {
		log.Fatal("i2c bus open failed", zap.String("bus", cfg.Hardware.I2CBus), zap.Error(err))
	}
	defer i2cBus.Close()

	drv := buildDrivers(cfg, i2cBus, log)

	kv, err := kvstore.Open(*kvDir)
	if err != nil {
		log.Fatal("kvstore open failed", zap.Error(err))
	}

	clk := clock.NewSystem()
	snap := snapshot.New()
	fusionStage := fusion.NewStage(clk, kv, cfg.Fusion)
	metricsStage := metrics.NewStage(clk, cfg.Metrics, cfg.Feature)
	histStage := history.NewStage(clk, cfg)
	coord := coordinator.New(cfg, clk, kv, snap, fusionStage, metricsStage, drv, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord.Start(ctx)
	go coord.Run(ctx)

	powerDev := buildPowerMonitor(i2cBus)
	go pollPower(ctx, powerDev, snap, log)

	go appendHistory(ctx, histStage, snap, log)

	hub := wsocket.NewHub(wsocket.DefaultConfig(), log)
	go hub.Run(ctx.Done())
	go broadcastSnapshots(ctx, hub, snap, cfg, clk.NowUs)

	console.Version = buildVersion
	cons := console.New(coord, snap, cfg, clk, log)

	glue := mqttglue.New(coord, snap, cfg, clk.NowUs, log)
	cons.MQTTPublishNow = glue.PublishAll
	if err := glue.Connect(); err != nil {
		log.Error("mqtt connect failed, continuing without mqtt", zap.Error(err))
	} else {
		defer glue.Disconnect()
		go publishMQTTPeriodically(ctx, glue, log)
	}

	rest := restapi.New(coord, snap, fusionStage, histStage, cfg, clk.NowUs)
	mux := rest.Router()
	mux.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Upgrade(w, r); err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
		}
	})

	httpSrv := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := cons.Run(ctx, os.Stdin, os.Stdout); err != nil {
			log.Info("console exited", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

// buildDrivers constructs the six coordinator-managed sensor drivers.
// A sensor absent from the returned map is left permanently disabled by
// the coordinator (spec §4.5), which is how a board missing the optional
// PM or CO2 module degrades.
func buildDrivers(cfg *config.Config, bus i2c.Bus, log *zap.Logger) map[config.SensorID]drivers.Driver {
	drv := map[config.SensorID]drivers.Driver{
		config.SensorMCUTemp:             tmp102mcu.New(bus, tmp102mcu.DefaultAddress),
		config.SensorTemperatureHumidity: shtx.New(bus, shtx.DefaultAddress),
		config.SensorPressure:            bmp3.New(bus, bmp3.DefaultAddress),
		config.SensorGas:                 sgp41.New(bus, sgp41.DefaultAddress),
	}

	if pmPort, err := openSerialPort(cfg.Hardware.UARTPMPath); err != nil {
		log.Warn("pm sensor uart unavailable, pm channel disabled", zap.Error(err))
	} else {
		drv[config.SensorPM] = pms5003.New(pmPort)
	}

	if co2Port, err := openSerialPort(cfg.Hardware.UARTCO2Path); err != nil {
		log.Warn("co2 sensor uart unavailable, co2 channel disabled", zap.Error(err))
	} else {
		drv[config.SensorCO2] = s8.New(co2Port, s8.DefaultSlaveAddr)
	}

	return drv
}

// buildPowerMonitor returns the ina260power.Dev poller. The power board is
// optional hardware (spec §3.1 "power"): a read failure just leaves
// snapshot.PowerInfo.Present false, handled in pollPower.
func buildPowerMonitor(bus i2c.Bus) *ina260power.Dev {
	return ina260power.New(bus, ina260power.DefaultAddress)
}

func pollPower(ctx context.Context, dev *ina260power.Dev, snap *snapshot.Store, log *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reading, err := dev.Read(ctx)
			if err != nil {
				snap.WithLock(func(d *snapshot.IaqData) {
					d.Power.Present = false
				})
				continue
			}
			snap.WithLock(func(d *snapshot.IaqData) {
				d.Power.Present = true
				d.Power.VoltageV = reading.VoltageV
				d.Power.CurrentA = reading.CurrentA
				d.Power.PowerW = reading.PowerW
			})
		}
	}
}

func appendHistory(ctx context.Context, hist *history.Stage, snap *snapshot.Store, log *zap.Logger) {
	ticker := time.NewTicker(historyAppendPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := hist.Append(snap.Read()); err != nil {
				log.Warn("history append failed", zap.Error(err))
			}
		}
	}
}

func broadcastSnapshots(ctx context.Context, hub *wsocket.Hub, snap *snapshot.Store, cfg *config.Config, nowUs func() int64) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hub.ClientCount() == 0 {
				continue
			}
			d := snap.Read()
			_ = hub.Broadcast(wsocket.EventState, publish.State(d, cfg.Feature))
			_ = hub.Broadcast(wsocket.EventMetrics, publish.Metrics(d))
			_ = hub.Broadcast(wsocket.EventHealth, publish.Health(d, nowUs()))
		}
	}
}

func publishMQTTPeriodically(ctx context.Context, glue *mqttglue.Glue, log *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := glue.PublishAll(); err != nil {
				log.Warn("mqtt publish failed", zap.Error(err))
			}
		}
	}
}
