// Package config defines the single configuration struct read once at
// boot (spec §9: "promote to a single configuration struct read at init;
// never read configuration mid-calculation") and its loader, built on
// github.com/spf13/viper the way arx-os-arxos layers file + environment
// config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SensorID names one of the physical sensor channels the coordinator
// manages. Kept as a string type (not an int enum) because it is also the
// per-sensor persistence namespace key (spec §6).
type SensorID string

const (
	SensorTemperatureHumidity SensorID = "th"
	SensorPressure            SensorID = "pressure"
	SensorGas                 SensorID = "gas"
	SensorPM                  SensorID = "pm"
	SensorCO2                 SensorID = "co2"
	SensorMCUTemp             SensorID = "mcu_temp"
)

// AllSensors lists every coordinator-managed sensor in a stable order, used
// anywhere a full fleet iteration is needed (persistence load, health
// payload assembly, console "sensor status").
var AllSensors = []SensorID{
	SensorTemperatureHumidity,
	SensorPressure,
	SensorGas,
	SensorPM,
	SensorCO2,
	SensorMCUTemp,
}

// Features gates optional derived-metrics and fusion behaviors, replacing
// the original firmware's compile-time flags (spec §9).
type Features struct {
	PublishPM1      bool
	EnableABC       bool
	PressureTrend   bool
	Comfort         bool
	MoldRisk        bool
	PM25Spike       bool
	CO2Rate         bool
}

// FusionConfig holds the runtime-settable compensation coefficients of
// spec §4.3, with their documented valid ranges.
type FusionConfig struct {
	PMHumidityA     float64 // a ∈ [0, 2], default 0.25
	PMHumidityB     float64 // b ∈ [1, 10], default 1.30
	TempOffsetC     float64 // |offset| ≤ 10, default 0.0
	ABCNightStartHr int     // [0,23], default 1
	ABCNightEndHr   int     // [0,23], default 6
}

// Validate enforces the documented ranges from spec §4.3.
func (f FusionConfig) Validate() error {
	if f.PMHumidityA < 0 || f.PMHumidityA > 2 {
		return fmt.Errorf("pm_humidity_a out of range [0,2]: %v", f.PMHumidityA)
	}
	if f.PMHumidityB < 1 || f.PMHumidityB > 10 {
		return fmt.Errorf("pm_humidity_b out of range [1,10]: %v", f.PMHumidityB)
	}
	if f.TempOffsetC < -10 || f.TempOffsetC > 10 {
		return fmt.Errorf("temp_offset_c out of range [-10,10]: %v", f.TempOffsetC)
	}
	if f.ABCNightStartHr < 0 || f.ABCNightStartHr > 23 || f.ABCNightEndHr < 0 || f.ABCNightEndHr > 23 {
		return fmt.Errorf("abc night window hours must be in [0,23]")
	}
	return nil
}

// MetricsConfig holds the configurable thresholds for the derived-metrics
// stage (spec §4.4/§6).
type MetricsConfig struct {
	ComfortTargetTempC float64
	ComfortTargetRH    float64
	PressureWindowHrs  float64
	PressureThreshPa   float64 // hPa, despite the field name matching spec's "threshold hPa"
	CO2RateWindowMin   int
	PMSpikeWindowMin   int
	PMSpikeThreshold   float64
	MoldColdSurfaceOff float64
}

// Sensor holds the per-sensor static configuration: warm-up duration and
// default cadence (spec §6). Runtime cadence/enable overrides are loaded
// from the key/value store separately (spec §4.5 Persistence).
type Sensor struct {
	WarmupMs            int64
	DefaultCadenceMs    int64
	MaxConsecutiveFails int
}

// Config is the single struct read at init.
type Config struct {
	DeviceID string

	Sensors map[SensorID]Sensor

	Fusion  FusionConfig
	Metrics MetricsConfig
	Feature Features

	// History tier resolutions/windows (spec §3.3).
	HistoryT1Res    time.Duration
	HistoryT1Window time.Duration
	HistoryT2Res    time.Duration
	HistoryT2Window time.Duration
	HistoryT3Res    time.Duration
	HistoryT3Window time.Duration

	MQTT     MQTTConfig
	HTTP     HTTPConfig
	Hardware HardwareConfig
}

// MQTTConfig holds broker connection settings for the transport glue (C9).
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// HTTPConfig holds REST/WebSocket bind settings for the transport glue (C9).
type HTTPConfig struct {
	ListenAddr  string
	BearerToken string
}

// HardwareConfig names the bus device nodes cmd/iaqd opens at boot. The
// I²C bus and UART device paths are assumed provisioned by the board
// (device tree, udev rules) per spec §1's external-collaborator list;
// this struct only records which node to open, not how it got there.
type HardwareConfig struct {
	I2CBus      string
	UARTCO2Path string
	UARTPMPath  string
}

// Default returns the documented defaults from spec §6.
func Default() *Config {
	return &Config{
		DeviceID: "iaq-esp32-sub002",
		Sensors: map[SensorID]Sensor{
			SensorMCUTemp:             {WarmupMs: 0, DefaultCadenceMs: 5000, MaxConsecutiveFails: 5},
			SensorTemperatureHumidity: {WarmupMs: 1000, DefaultCadenceMs: 2000, MaxConsecutiveFails: 5},
			SensorPressure:            {WarmupMs: 1000, DefaultCadenceMs: 2000, MaxConsecutiveFails: 5},
			SensorGas:                 {WarmupMs: 10000, DefaultCadenceMs: 1000, MaxConsecutiveFails: 5},
			SensorPM:                  {WarmupMs: 30000, DefaultCadenceMs: 5000, MaxConsecutiveFails: 5},
			SensorCO2:                 {WarmupMs: 60000, DefaultCadenceMs: 5000, MaxConsecutiveFails: 5},
		},
		Fusion: FusionConfig{
			PMHumidityA:     0.25,
			PMHumidityB:     1.30,
			TempOffsetC:     0.0,
			ABCNightStartHr: 1,
			ABCNightEndHr:   6,
		},
		Metrics: MetricsConfig{
			ComfortTargetTempC: 22.0,
			ComfortTargetRH:    45.0,
			PressureWindowHrs:  3.0,
			PressureThreshPa:   1.0,
			CO2RateWindowMin:   60,
			PMSpikeWindowMin:   10,
			PMSpikeThreshold:   10.0,
			MoldColdSurfaceOff: 5.0,
		},
		Feature: Features{
			PublishPM1:    true,
			EnableABC:     true,
			PressureTrend: true,
			Comfort:       true,
			MoldRisk:      true,
			PM25Spike:     true,
			CO2Rate:       true,
		},
		HistoryT1Res:    1 * time.Second,
		HistoryT1Window: 1 * time.Hour,
		HistoryT2Res:    1 * time.Minute,
		HistoryT2Window: 24 * time.Hour,
		HistoryT3Res:    10 * time.Minute,
		HistoryT3Window: 7 * 24 * time.Hour,
		MQTT: MQTTConfig{
			BrokerURL: "tcp://127.0.0.1:1883",
			ClientID:  "iaq-esp32-sub002",
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8080",
		},
		Hardware: HardwareConfig{
			I2CBus:      "/dev/i2c-1",
			UARTCO2Path: "/dev/ttyS1",
			UARTPMPath:  "/dev/ttyS2",
		},
	}
}

// Validate checks the history tier ratios (spec §9 open question: "reject
// configurations violating this at startup") and the fusion coefficient
// ranges.
func (c *Config) Validate() error {
	if c.HistoryT1Res <= 0 || c.HistoryT2Res <= 0 || c.HistoryT3Res <= 0 {
		return fmt.Errorf("history tier resolutions must be positive")
	}
	if c.HistoryT2Res%c.HistoryT1Res != 0 {
		return fmt.Errorf("history tier 2 resolution %s is not an integer multiple of tier 1 resolution %s", c.HistoryT2Res, c.HistoryT1Res)
	}
	if c.HistoryT3Res%c.HistoryT2Res != 0 {
		return fmt.Errorf("history tier 3 resolution %s is not an integer multiple of tier 2 resolution %s", c.HistoryT3Res, c.HistoryT2Res)
	}
	return c.Fusion.Validate()
}

// Load reads iaqd.yaml (if present) from the given path plus IAQ_-prefixed
// environment variables, layered over Default(), mirroring arx-os-arxos's
// viper-based layered config.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("IAQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		// No file: defaults + env only, matching spec §7 "persistence
		// failures ... do not block the control path: the next boot
		// simply uses defaults" extended to the config file itself.
	}

	if v.IsSet("device_id") {
		cfg.DeviceID = v.GetString("device_id")
	}
	if v.IsSet("mqtt.broker_url") {
		cfg.MQTT.BrokerURL = v.GetString("mqtt.broker_url")
	}
	if v.IsSet("mqtt.client_id") {
		cfg.MQTT.ClientID = v.GetString("mqtt.client_id")
	}
	if v.IsSet("mqtt.username") {
		cfg.MQTT.Username = v.GetString("mqtt.username")
	}
	if v.IsSet("mqtt.password") {
		cfg.MQTT.Password = v.GetString("mqtt.password")
	}
	if v.IsSet("http.listen_addr") {
		cfg.HTTP.ListenAddr = v.GetString("http.listen_addr")
	}
	if v.IsSet("http.bearer_token") {
		cfg.HTTP.BearerToken = v.GetString("http.bearer_token")
	}
	if v.IsSet("hardware.i2c_bus") {
		cfg.Hardware.I2CBus = v.GetString("hardware.i2c_bus")
	}
	if v.IsSet("hardware.uart_co2_path") {
		cfg.Hardware.UARTCO2Path = v.GetString("hardware.uart_co2_path")
	}
	if v.IsSet("hardware.uart_pm_path") {
		cfg.Hardware.UARTPMPath = v.GetString("hardware.uart_pm_path")
	}
	if v.IsSet("fusion.pm_humidity_a") {
		cfg.Fusion.PMHumidityA = v.GetFloat64("fusion.pm_humidity_a")
	}
	if v.IsSet("fusion.pm_humidity_b") {
		cfg.Fusion.PMHumidityB = v.GetFloat64("fusion.pm_humidity_b")
	}
	if v.IsSet("fusion.temp_offset_c") {
		cfg.Fusion.TempOffsetC = v.GetFloat64("fusion.temp_offset_c")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
