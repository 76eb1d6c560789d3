// Package coordinator implements the sensor coordinator (spec §4.5 C6),
// the central engine that owns every sensor's lifecycle state machine, its
// cadence scheduler, its command queue, and the post-read fusion+metrics
// re-run. It generalizes the teacher's own Init/Halt-shaped driver
// lifecycle (every periph-devices driver has one) into a polling loop that
// drives the drivers.Driver capability set defined in C2.
package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/drivers"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/clock"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/fusion"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/kvstore"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/metrics"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
)

// State is one sensor's lifecycle state (spec §4.5).
type State int

const (
	StateUninit State = iota
	StateInit
	StateWarming
	StateReady
	StateError
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWarming:
		return "warming"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateDisabled:
		return "disabled"
	default:
		return "uninit"
	}
}

const kvNamespace = "sensor_runtime"

// runtimeState is the coordinator's private per-sensor bookkeeping; the
// read-only projection exposed to observers is snapshot.SensorRuntime.
type runtimeState struct {
	state               State
	cadenceMs           int64
	cadenceFromNVS      bool
	enabled             bool
	lastAttemptUs       int64
	lastReadUs          int64
	errorCount          int
	warmupDeadlineUs    int64
	lastConditionTickUs int64
}

// conditioningInterval is the ≈1 Hz cadence at which a warming gas sensor
// receives a ConditioningTick (spec §4.5).
const conditioningInterval = time.Second

// tickInterval is how often Run's loop wakes to evaluate cadences and
// drain the command queue in the absence of a command.
const tickInterval = 50 * time.Millisecond

// cmdKind identifies one of the command queue's typed commands (spec §4.5).
type cmdKind int

const (
	cmdRead cmdKind = iota
	cmdReset
	cmdCalibrate
	cmdSetCadence
	cmdEnable
	cmdDisable
	cmdForceReadSync
)

// Result is what ForceReadSync posts to its reply channel.
type Result struct {
	Reading drivers.Reading
	Err     error
}

type command struct {
	kind      cmdKind
	id        config.SensorID
	cadenceMs int
	value     float64
	reply     chan Result
}

// Coordinator is the central engine (spec §4.5). One Coordinator owns one
// fleet of drivers and the single shared snapshot.
type Coordinator struct {
	cfg     *config.Config
	clk     clock.Clock
	kv      *kvstore.Store
	snap    *snapshot.Store
	fusion  *fusion.Stage
	metrics *metrics.Stage
	log     *zap.Logger

	drv map[config.SensorID]drivers.Driver
	rt  map[config.SensorID]*runtimeState

	cmdCh chan command
}

// New constructs a Coordinator. drv must contain one entry per sensor in
// cfg.Sensors; sensors absent from drv are treated as permanently
// UNINIT/DISABLED (e.g. optional hardware not present on this board).
func New(cfg *config.Config, clk clock.Clock, kv *kvstore.Store, snap *snapshot.Store, fusionStage *fusion.Stage, metricsStage *metrics.Stage, drv map[config.SensorID]drivers.Driver, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		cfg:     cfg,
		clk:     clk,
		kv:      kv,
		snap:    snap,
		fusion:  fusionStage,
		metrics: metricsStage,
		log:     log.Named("coordinator"),
		drv:     drv,
		rt:      make(map[config.SensorID]*runtimeState, len(cfg.Sensors)),
		cmdCh:   make(chan command, 32),
	}
	for id, sc := range cfg.Sensors {
		c.rt[id] = &runtimeState{
			state:     StateUninit,
			cadenceMs: sc.DefaultCadenceMs,
			enabled:   true,
		}
	}
	c.loadPersistedRuntime()
	return c
}

func (c *Coordinator) loadPersistedRuntime() {
	h, err := c.kv.OpenHandle(kvNamespace, kvstore.ReadOnly)
	if err != nil {
		return
	}
	for id, rt := range c.rt {
		if v, ok := h.GetU32(string(id) + ".cadence_ms"); ok {
			rt.cadenceMs = int64(v)
			rt.cadenceFromNVS = true
		}
		if v, ok := h.GetU8(string(id) + ".enabled"); ok {
			rt.enabled = v != 0
		}
	}
}

func (c *Coordinator) persistRuntime(id config.SensorID) {
	h, err := c.kv.OpenHandle(kvNamespace, kvstore.ReadWrite)
	if err != nil {
		return
	}
	rt := c.rt[id]
	_ = h.SetU32(string(id)+".cadence_ms", uint32(rt.cadenceMs))
	enabled := uint8(0)
	if rt.enabled {
		enabled = 1
	}
	_ = h.SetU8(string(id)+".enabled", enabled)
	_ = h.Commit()
}

// Start brings every enabled sensor from UNINIT through INIT, scheduling
// the WARMING deadline (spec §4.5 transitions).
func (c *Coordinator) Start(ctx context.Context) {
	now := c.clk.NowUs()
	for id, rt := range c.rt {
		if !rt.enabled {
			rt.state = StateDisabled
			c.publishRuntime(id)
			continue
		}
		drv, ok := c.drv[id]
		if !ok {
			c.log.Warn("no driver registered for sensor, leaving disabled", zap.String("sensor", string(id)))
			rt.state = StateDisabled
			c.publishRuntime(id)
			continue
		}
		if err := drv.Init(ctx); err != nil {
			c.log.Error("sensor init failed", zap.String("sensor", string(id)), zap.Error(err))
			rt.state = StateError
			rt.errorCount++
			c.publishRuntime(id)
			continue
		}
		rt.state = StateInit
		sc := c.cfg.Sensors[id]
		rt.warmupDeadlineUs = now + sc.WarmupMs*1000
		// Make the first conditioning tick due as soon as warm-up begins.
		rt.lastConditionTickUs = now - conditioningInterval.Microseconds()
		rt.state = StateWarming
		c.publishRuntime(id)
	}
}

// Run drives the scheduler loop until ctx is cancelled. Commands are
// drained ahead of the periodic schedule on every tick (spec §4.5).
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmdCh:
			c.handleCommand(ctx, cmd)
			c.drainCommands(ctx)
		case <-ticker.C:
			c.drainCommands(ctx)
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-c.cmdCh:
			c.handleCommand(ctx, cmd)
		default:
			return
		}
	}
}

func (c *Coordinator) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdRead:
		c.attemptRead(ctx, cmd.id)
	case cmdReset:
		c.doReset(ctx, cmd.id)
	case cmdCalibrate:
		c.doCalibrate(ctx, cmd.id, cmd.value)
	case cmdSetCadence:
		c.doSetCadence(cmd.id, cmd.cadenceMs)
	case cmdEnable:
		c.doEnable(ctx, cmd.id)
	case cmdDisable:
		c.doDisable(ctx, cmd.id)
	case cmdForceReadSync:
		reading, err := c.readInline(ctx, cmd.id)
		if cmd.reply != nil {
			cmd.reply <- Result{Reading: reading, Err: err}
		}
	}
}

// tick evaluates the periodic schedule: due sensors get a read, warming gas
// sensors get a conditioning tick, and stale channels get invalidated.
func (c *Coordinator) tick(ctx context.Context) {
	now := c.clk.NowUs()
	for id, rt := range c.rt {
		switch rt.state {
		case StateWarming:
			c.tickConditioning(ctx, id, rt, now)
			if now-rt.lastAttemptUs >= rt.cadenceMs*1000 {
				c.attemptRead(ctx, id)
			}
		case StateReady:
			if rt.cadenceMs > 0 && now-rt.lastAttemptUs >= rt.cadenceMs*1000 {
				c.attemptRead(ctx, id)
			}
			c.checkStale(id, rt, now)
		}
	}
}

func (c *Coordinator) tickConditioning(ctx context.Context, id config.SensorID, rt *runtimeState, now int64) {
	drv, ok := c.drv[id]
	if !ok {
		return
	}
	cond, ok := drv.(drivers.Conditioner)
	if !ok {
		return
	}
	if now-rt.lastConditionTickUs < conditioningInterval.Microseconds() {
		return
	}
	rt.lastConditionTickUs = now
	tempC, rh := 25.0, 50.0
	d := c.snap.Read()
	if d.Valid.Temperature {
		tempC = d.Fused.TemperatureC
	}
	if d.Valid.Humidity {
		rh = d.Fused.HumidityRH
	}
	if err := cond.ConditioningTick(ctx, tempC, rh); err != nil {
		c.log.Debug("conditioning tick failed", zap.String("sensor", string(id)), zap.Error(err))
	}
}

// staleThreshold is max(2.5*cadence, 10s), per spec §4.5 failure model.
func staleThreshold(cadenceMs int64) int64 {
	t := int64(2.5 * float64(cadenceMs) * 1000)
	const minUs = 10 * int64(time.Second) / int64(time.Microsecond)
	if t < minUs {
		return minUs
	}
	return t
}

func (c *Coordinator) checkStale(id config.SensorID, rt *runtimeState, now int64) {
	if rt.lastReadUs == 0 {
		return
	}
	if now-rt.lastReadUs <= staleThreshold(rt.cadenceMs) {
		return
	}
	c.snap.WithLock(func(d *snapshot.IaqData) {
		invalidateChannels(d, id)
		c.fusion.Run(d)
		c.metrics.Run(d)
	})
}

func (c *Coordinator) attemptRead(ctx context.Context, id config.SensorID) {
	rt, ok := c.rt[id]
	if !ok {
		return
	}
	rt.lastAttemptUs = c.clk.NowUs()
	reading, err := c.readInline(ctx, id)
	if err != nil {
		c.handleReadError(id, rt, err)
		return
	}
	c.handleReadSuccess(id, rt, reading)
}

// readInline performs the synchronous Read call, regardless of caller
// (scheduler or ForceReadSync); the coordinator's single goroutine means
// two reads can never race on the same or different buses.
func (c *Coordinator) readInline(ctx context.Context, id config.SensorID) (drivers.Reading, error) {
	drv, ok := c.drv[id]
	if !ok {
		return drivers.Reading{}, iaqerr.InvalidState("coordinator.read", "no driver for sensor "+string(id))
	}
	rt, ok := c.rt[id]
	if !ok {
		return drivers.Reading{}, iaqerr.InvalidState("coordinator.read", "no runtime state for sensor "+string(id))
	}
	if rt.state == StateDisabled || rt.state == StateUninit {
		return drivers.Reading{}, iaqerr.InvalidState("coordinator.read", "sensor "+string(id)+" is "+rt.state.String())
	}
	return drv.Read(ctx)
}

func (c *Coordinator) handleReadSuccess(id config.SensorID, rt *runtimeState, reading drivers.Reading) {
	now := c.clk.NowUs()
	rt.lastReadUs = now
	rt.errorCount = 0

	if rt.state == StateWarming {
		ready := now >= rt.warmupDeadlineUs
		if ready && id == config.SensorGas {
			if checker, ok := c.drv[id].(drivers.ReadyChecker); ok {
				ready = checker.IsReportingReady()
			}
		}
		if ready {
			rt.state = StateReady
		}
	} else if rt.state == StateError {
		rt.state = StateWarming
	}

	c.snap.WithLock(func(d *snapshot.IaqData) {
		applyReading(d, id, reading, now)
		c.fusion.Run(d)
		c.metrics.Run(d)
	})
	c.publishRuntime(id)
}

func (c *Coordinator) handleReadError(id config.SensorID, rt *runtimeState, err error) {
	rt.errorCount++
	if iaqerr.Is(err, iaqerr.KindFatal) || rt.errorCount >= c.cfg.Sensors[id].MaxConsecutiveFails {
		rt.state = StateError
		c.log.Warn("sensor entered error state", zap.String("sensor", string(id)), zap.Int("errors", rt.errorCount), zap.Error(err))
	} else {
		c.log.Debug("transient read failure", zap.String("sensor", string(id)), zap.Error(err))
	}
	c.publishRuntime(id)
}

func (c *Coordinator) doReset(ctx context.Context, id config.SensorID) {
	drv, ok := c.drv[id]
	if !ok {
		return
	}
	rt := c.rt[id]
	if err := drv.Reset(ctx); err != nil {
		c.log.Error("reset failed", zap.String("sensor", string(id)), zap.Error(err))
		return
	}
	rt.errorCount = 0
	rt.warmupDeadlineUs = c.clk.NowUs() + c.cfg.Sensors[id].WarmupMs*1000
	rt.state = StateWarming
	c.publishRuntime(id)
}

func (c *Coordinator) doCalibrate(ctx context.Context, id config.SensorID, value float64) {
	drv, ok := c.drv[id]
	if !ok {
		return
	}
	calib, ok := drv.(drivers.Calibrator)
	if !ok {
		c.log.Warn("sensor does not support calibration", zap.String("sensor", string(id)))
		return
	}
	if err := calib.Calibrate(ctx, value); err != nil {
		c.log.Error("calibration failed", zap.String("sensor", string(id)), zap.Error(err))
	}
}

func (c *Coordinator) doSetCadence(id config.SensorID, ms int) {
	rt, ok := c.rt[id]
	if !ok {
		return
	}
	rt.cadenceMs = int64(ms)
	rt.cadenceFromNVS = true
	c.persistRuntime(id)
	c.publishRuntime(id)
}

func (c *Coordinator) doEnable(ctx context.Context, id config.SensorID) {
	rt, ok := c.rt[id]
	if !ok || rt.enabled {
		return
	}
	rt.enabled = true
	drv, hasDrv := c.drv[id]
	if hasDrv {
		if err := drv.Init(ctx); err == nil {
			rt.state = StateInit
			rt.warmupDeadlineUs = c.clk.NowUs() + c.cfg.Sensors[id].WarmupMs*1000
			rt.state = StateWarming
		} else {
			rt.state = StateError
		}
	}
	c.persistRuntime(id)
	c.publishRuntime(id)
}

func (c *Coordinator) doDisable(ctx context.Context, id config.SensorID) {
	rt, ok := c.rt[id]
	if !ok || !rt.enabled {
		return
	}
	if drv, hasDrv := c.drv[id]; hasDrv {
		_ = drv.Disable(ctx) // best-effort, per spec §4.5
	}
	rt.enabled = false
	rt.state = StateDisabled
	c.persistRuntime(id)
	c.publishRuntime(id)
}

func (c *Coordinator) publishRuntime(id config.SensorID) {
	rt := c.rt[id]
	c.snap.WithLock(func(d *snapshot.IaqData) {
		d.Sensors[id] = snapshot.SensorRuntime{
			State:            rt.state.String(),
			LastReadUs:       rt.lastReadUs,
			ErrorCount:       rt.errorCount,
			CadenceMs:        int(rt.cadenceMs),
			Enabled:          rt.enabled,
			CadenceFromNVS:   rt.cadenceFromNVS,
			WarmupDeadlineUs: rt.warmupDeadlineUs,
		}
	})
}

// Read enqueues an asynchronous read command for id.
func (c *Coordinator) Read(id config.SensorID) {
	c.cmdCh <- command{kind: cmdRead, id: id}
}

// Reset enqueues a reset command for id.
func (c *Coordinator) Reset(id config.SensorID) {
	c.cmdCh <- command{kind: cmdReset, id: id}
}

// Calibrate enqueues a calibration command for id.
func (c *Coordinator) Calibrate(id config.SensorID, value float64) {
	c.cmdCh <- command{kind: cmdCalibrate, id: id, value: value}
}

// SetCadence enqueues a cadence-change command for id.
func (c *Coordinator) SetCadence(id config.SensorID, ms int) {
	c.cmdCh <- command{kind: cmdSetCadence, id: id, cadenceMs: ms}
}

// Enable enqueues an enable command for id.
func (c *Coordinator) Enable(id config.SensorID) {
	c.cmdCh <- command{kind: cmdEnable, id: id}
}

// Disable enqueues a disable command for id.
func (c *Coordinator) Disable(id config.SensorID) {
	c.cmdCh <- command{kind: cmdDisable, id: id}
}

// ForceReadSync posts a ForceReadSync command and blocks for its reply, up
// to timeout, per spec §4.5 ("callers wait with a timeout"). Each call
// generates a correlation ID that appears only in the timeout error
// message; the queued command and its reply channel carry no ID.
func (c *Coordinator) ForceReadSync(ctx context.Context, id config.SensorID, timeout time.Duration) (drivers.Reading, error) {
	correlationID := uuid.New()
	reply := make(chan Result, 1)
	select {
	case c.cmdCh <- command{kind: cmdForceReadSync, id: id, reply: reply}:
	case <-ctx.Done():
		return drivers.Reading{}, ctx.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-reply:
		return res.Reading, res.Err
	case <-timer.C:
		return drivers.Reading{}, iaqerr.Timeout("coordinator.force_read_sync", "no reply for "+string(id)+" correlation "+correlationID.String())
	case <-ctx.Done():
		return drivers.Reading{}, ctx.Err()
	}
}
