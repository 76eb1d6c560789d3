// Package history implements the tiered min/max/avg ring-buffer store (spec
// §3.3/§4.6 C7): thirteen metrics, each aggregated at three fixed
// resolutions, with rollover promoting a completed tier into the next
// coarser one. Quantisation to int16 follows the design note's
// {scale,offset} convention; bucket time alignment uses wall-clock epoch
// seconds rather than the monotonic microsecond counter everything else in
// this tree uses, since a history bucket boundary is meaningless without an
// absolute time base.
package history

import (
	"math"
	"sync"

	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/clock"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/config"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/iaqerr"
	"github.com/DivinityQQ/iaq-monitor-esp32-sub002/internal/snapshot"
)

// MetricID names one of the thirteen history-tracked metrics (spec §3.3).
type MetricID int

const (
	MetricTemperatureC MetricID = iota
	MetricHumidityRH
	MetricPressureHPa
	MetricPM1
	MetricPM25
	MetricPM10
	MetricCO2PPM
	MetricVOCIndex
	MetricNOxIndex
	MetricAQIValue
	MetricComfortScore
	MetricCO2Score
	MetricOverallIAQScore
)

// AllMetrics lists every tracked metric in a stable order.
var AllMetrics = []MetricID{
	MetricTemperatureC, MetricHumidityRH, MetricPressureHPa,
	MetricPM1, MetricPM25, MetricPM10,
	MetricCO2PPM, MetricVOCIndex, MetricNOxIndex,
	MetricAQIValue, MetricComfortScore, MetricCO2Score, MetricOverallIAQScore,
}

// sentinelQ marks "no sample", the quantised-domain counterpart of
// snapshot.SentinelU16 (spec §3.3 "a sentinel i16::MIN denotes no sample").
const sentinelQ int16 = math.MinInt16

// spec holds one metric's {scale, offset} quantisation (spec §4.6).
type spec struct {
	scale  float64
	offset float64
}

var specs = map[MetricID]spec{
	MetricTemperatureC:    {scale: 100, offset: 0},
	MetricHumidityRH:      {scale: 100, offset: 0},
	MetricPressureHPa:     {scale: 10, offset: 0},
	MetricPM1:             {scale: 10, offset: 0},
	MetricPM25:            {scale: 10, offset: 0},
	MetricPM10:            {scale: 10, offset: 0},
	MetricCO2PPM:          {scale: 1, offset: 0},
	MetricVOCIndex:        {scale: 1, offset: 0},
	MetricNOxIndex:        {scale: 1, offset: 0},
	MetricAQIValue:        {scale: 1, offset: 0},
	MetricComfortScore:    {scale: 1, offset: 0},
	MetricCO2Score:        {scale: 1, offset: 0},
	MetricOverallIAQScore: {scale: 1, offset: 0},
}

func encode(v float64, s spec) int16 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sentinelQ
	}
	q := roundHalfAwayFromZero(v*s.scale) + s.offset
	if q > 32767 {
		return 32767
	}
	if q < -32767 {
		return -32767
	}
	return int16(q)
}

// decodeF converts a (possibly fractional, e.g. an averaged sum/count)
// quantised value back to the metric's native unit.
func decodeF(q float64, s spec) float64 {
	return (q - s.offset) / s.scale
}

func decode(q int16, s spec) float64 {
	if q == sentinelQ {
		return math.NaN()
	}
	return decodeF(float64(q), s)
}

func roundHalfAwayFromZero(x float64) float64 {
	if x >= 0 {
		return math.Floor(x + 0.5)
	}
	return math.Ceil(x - 0.5)
}

// Bucket is one aggregated {min, max, sum, count} tuple (spec §3.3). Min/Max
// are stored in the quantised int16 domain; Sum is a wider running total of
// quantised samples so a busy bucket cannot silently overflow the way a
// strict int16 accumulator would.
type Bucket struct {
	Min, Max int16
	Sum      int64
	Count    int32
}

func emptyBucket() Bucket { return Bucket{Min: sentinelQ, Max: sentinelQ} }

func accumulate(b *Bucket, q int16) {
	if q == sentinelQ {
		return
	}
	if b.Count == 0 {
		b.Min, b.Max = q, q
	} else {
		if q < b.Min {
			b.Min = q
		}
		if q > b.Max {
			b.Max = q
		}
	}
	b.Sum += int64(q)
	b.Count++
}

// mergeBucket combines two completed buckets (spec §8 "history merge is
// associative"): order never matters, and an empty operand is the identity.
func mergeBucket(a, b Bucket) Bucket {
	if a.Count == 0 {
		return b
	}
	if b.Count == 0 {
		return a
	}
	m := Bucket{Sum: a.Sum + b.Sum, Count: a.Count + b.Count}
	m.Min = a.Min
	if b.Min < m.Min {
		m.Min = b.Min
	}
	m.Max = a.Max
	if b.Max > m.Max {
		m.Max = b.Max
	}
	return m
}

// tierRing is a fixed-capacity circular buffer of consecutive, contiguous
// time buckets (spec §3.3 "inside one tier the buckets are consecutive and
// contiguous"). Because every advance moves headAbs by exactly one bucket
// index, a populated slot's absolute index can be recovered purely from its
// offset from the head slot — no separate index array is needed.
type tierRing struct {
	res      int64 // seconds per bucket
	capacity int
	buf      []Bucket
	next     int
	size     int
	headAbs  int64
	onRoll   func(completed Bucket, startS int64)
}

func newTierRing(res int64, capacity int, onRoll func(Bucket, int64)) *tierRing {
	if capacity < 1 {
		capacity = 1
	}
	return &tierRing{res: res, capacity: capacity, buf: make([]Bucket, capacity), onRoll: onRoll}
}

func (t *tierRing) headSlot() int { return (t.next - 1 + t.capacity) % t.capacity }

func (t *tierRing) writeSlot(absIdx int64, b Bucket) {
	t.buf[t.next] = b
	t.next = (t.next + 1) % t.capacity
	if t.size < t.capacity {
		t.size++
	}
	t.headAbs = absIdx
}

// advanceTo rolls the ring forward so headAbs == absIdx, promoting every
// bucket it passes through via onRoll (spec §4.6 "on bucket rollover, merges
// into the next tier").
func (t *tierRing) advanceTo(absIdx int64) {
	if t.size == 0 {
		t.writeSlot(absIdx, emptyBucket())
		return
	}
	for t.headAbs < absIdx {
		completed := t.buf[t.headSlot()]
		startS := t.headAbs * t.res
		if t.onRoll != nil {
			t.onRoll(completed, startS)
		}
		t.writeSlot(t.headAbs+1, emptyBucket())
	}
}

func (t *tierRing) ingestSample(absIdx int64, q int16) {
	if t.size > 0 && absIdx < t.headAbs {
		return // stale sample, older than the current head; ignore
	}
	t.advanceTo(absIdx)
	accumulate(&t.buf[t.headSlot()], q)
}

// ingestBucket merges a completed bucket from the next-finer tier, aligned
// to this tier's own resolution.
func (t *tierRing) ingestBucket(b Bucket, atS int64) {
	absIdx := atS / t.res
	if t.size > 0 && absIdx < t.headAbs {
		return
	}
	t.advanceTo(absIdx)
	hs := t.headSlot()
	t.buf[hs] = mergeBucket(t.buf[hs], b)
}

// bucketForAbs returns the populated bucket at absIdx, if still in range.
func (t *tierRing) bucketForAbs(absIdx int64) (Bucket, bool) {
	if t.size == 0 {
		return Bucket{}, false
	}
	delta := t.headAbs - absIdx
	if delta < 0 || delta >= int64(t.size) {
		return Bucket{}, false
	}
	slot := ((t.headSlot()-int(delta))%t.capacity + t.capacity) % t.capacity
	return t.buf[slot], true
}

const (
	tierT1 = 0
	tierT2 = 1
	tierT3 = 2
)

// metricRings holds one metric's three tiers, wired tier1→tier2→tier3.
type metricRings [3]*tierRing

func newMetricRings(t1Res, t2Res, t3Res int64, t1Cap, t2Cap, t3Cap int) metricRings {
	var rings metricRings
	rings[tierT3] = newTierRing(t3Res, t3Cap, nil)
	rings[tierT2] = newTierRing(t2Res, t2Cap, func(b Bucket, startS int64) {
		rings[tierT3].ingestBucket(b, startS)
	})
	rings[tierT1] = newTierRing(t1Res, t1Cap, func(b Bucket, startS int64) {
		rings[tierT2].ingestBucket(b, startS)
	})
	return rings
}

// Stage is the C7 history store: one set of tiered rings per tracked
// metric, guarded by a single mutex (spec §5 "history buffers: one mutex
// for state metadata").
type Stage struct {
	mu    sync.Mutex
	clk   clock.Clock
	rings map[MetricID]metricRings
	res   [3]int64
}

// NewStage builds a Stage from the configured tier resolutions/windows.
// cfg.Validate must already have rejected a non-integer-multiple tier
// configuration (spec §9 open question), so capacities here are always
// well-formed.
func NewStage(clk clock.Clock, cfg *config.Config) *Stage {
	t1Res := int64(cfg.HistoryT1Res.Seconds())
	t2Res := int64(cfg.HistoryT2Res.Seconds())
	t3Res := int64(cfg.HistoryT3Res.Seconds())
	t1Cap := int(cfg.HistoryT1Window / cfg.HistoryT1Res)
	t2Cap := int(cfg.HistoryT2Window / cfg.HistoryT2Res)
	t3Cap := int(cfg.HistoryT3Window / cfg.HistoryT3Res)

	s := &Stage{
		clk:   clk,
		rings: make(map[MetricID]metricRings, len(AllMetrics)),
		res:   [3]int64{t1Res, t2Res, t3Res},
	}
	for _, m := range AllMetrics {
		s.rings[m] = newMetricRings(t1Res, t2Res, t3Res, t1Cap, t2Cap, t3Cap)
	}
	return s
}

// value extracts one metric's current fused/derived value from the
// snapshot, NaN when the channel backing it is absent.
func value(d *snapshot.IaqData, m MetricID) float64 {
	switch m {
	case MetricTemperatureC:
		return d.Fused.TemperatureC
	case MetricHumidityRH:
		return d.Fused.HumidityRH
	case MetricPressureHPa:
		return d.Fused.PressurePa / 100
	case MetricPM1:
		return d.Fused.PM1
	case MetricPM25:
		return d.Fused.PM25
	case MetricPM10:
		return d.Fused.PM10
	case MetricCO2PPM:
		return d.Fused.CO2PPM
	case MetricVOCIndex:
		if !d.Valid.VOC {
			return math.NaN()
		}
		return float64(d.Raw[config.SensorGas].VOCIndex)
	case MetricNOxIndex:
		if !d.Valid.NOx {
			return math.NaN()
		}
		return float64(d.Raw[config.SensorGas].NOxIndex)
	case MetricAQIValue:
		if d.Metrics.AQIValue == snapshot.SentinelU16 {
			return math.NaN()
		}
		return float64(d.Metrics.AQIValue)
	case MetricComfortScore:
		if d.Metrics.ComfortScore == snapshot.SentinelU16 {
			return math.NaN()
		}
		return float64(d.Metrics.ComfortScore)
	case MetricCO2Score:
		if d.Metrics.CO2Score == snapshot.SentinelU16 {
			return math.NaN()
		}
		return float64(d.Metrics.CO2Score)
	case MetricOverallIAQScore:
		if d.Metrics.OverallIAQScore == snapshot.SentinelU16 {
			return math.NaN()
		}
		return float64(d.Metrics.OverallIAQScore)
	default:
		return math.NaN()
	}
}

// Append assigns the snapshot's current metric values to the tier-1 bucket
// at the current wall-clock second, rolling over and promoting into tier-2/
// tier-3 as bucket boundaries are crossed (spec §4.6). Repeated calls within
// the same tier-1 bucket period simply accumulate into it, which is what the
// spec's "idempotent at the tier-1 bucket boundary" describes: the target
// bucket does not change until the next boundary.
func (s *Stage) Append(d *snapshot.IaqData) error {
	epochS, synced := s.clk.WallEpoch()
	if !synced {
		return iaqerr.NotReady("history.append", "wall clock not yet time-synced")
	}
	absIdx := epochS / s.res[tierT1]

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range AllMetrics {
		q := encode(value(d, m), specs[m])
		s.rings[m][tierT1].ingestSample(absIdx, q)
	}
	return nil
}

// HeaderFunc reports the tier selected for a Stream call and its effective
// (post-grouping) resolution, before any BucketFunc calls.
type HeaderFunc func(tier int, effectiveResolutionS int64, bucketCount int, groupFactor int)

// BucketFunc receives one grouped point per metric, oldest first. hasData is
// false when the group's total sample count is zero, per spec §4.6 "groups
// with zero total count emit all-sentinel triples" — min/max/avg are NaN in
// that case.
type BucketFunc func(metric MetricID, startS int64, min, max, avg float64, hasData bool)

// Stream walks the tiered rings for the given metrics and time range. The
// tier is picked by span alone (tier 1 up to an hour, tier 2 up to a day,
// tier 3 beyond), then consecutive buckets are grouped so that at most
// maxPoints points are emitted per metric. Unlike the embedded original this
// ports, there is no caller-supplied scratch buffer: Go's allocator and GC
// make the fixed-size-reuse buffer an artifact of the source platform, not
// an idiom this module needs to reproduce.
func (s *Stage) Stream(metrics []MetricID, startS, endS int64, maxPoints int, headerCb HeaderFunc, bucketCb BucketFunc) error {
	if endS < startS {
		return iaqerr.InvalidArg("history.stream", "end before start")
	}
	if maxPoints <= 0 {
		return iaqerr.InvalidArg("history.stream", "max_points must be positive")
	}
	for _, m := range metrics {
		if _, ok := specs[m]; !ok {
			return iaqerr.InvalidArg("history.stream", "unknown metric")
		}
	}

	span := endS - startS
	tier := tierT1
	switch {
	case span <= 3600:
		tier = tierT1
	case span <= 86400:
		tier = tierT2
	default:
		tier = tierT3
	}
	res := s.res[tier]

	startAbs := floorDiv(startS, res)
	endAbsExcl := ceilDiv(endS, res)
	rawCount := endAbsExcl - startAbs
	if rawCount < 0 {
		rawCount = 0
	}

	groupFactor := 1
	if rawCount > int64(maxPoints) {
		groupFactor = int(ceilDiv(rawCount, int64(maxPoints)))
	}
	bucketCount := 0
	if rawCount > 0 {
		bucketCount = int(ceilDiv(rawCount, int64(groupFactor)))
	}

	s.mu.Lock()
	snapshotRings := make(map[MetricID]*tierRing, len(metrics))
	for _, m := range metrics {
		snapshotRings[m] = s.rings[m][tier]
	}
	s.mu.Unlock()

	if headerCb != nil {
		headerCb(tier, res*int64(groupFactor), bucketCount, groupFactor)
	}
	if rawCount == 0 || bucketCb == nil {
		return nil
	}

	for _, m := range metrics {
		ring := snapshotRings[m]
		sp := specs[m]
		for groupStart := startAbs; groupStart < endAbsExcl; groupStart += int64(groupFactor) {
			groupEnd := groupStart + int64(groupFactor)
			if groupEnd > endAbsExcl {
				groupEnd = endAbsExcl
			}
			var minV, maxV float64 = math.Inf(1), math.Inf(-1)
			var sum int64
			var count int32
			for absIdx := groupStart; absIdx < groupEnd; absIdx++ {
				b, ok := ring.bucketForAbs(absIdx)
				if !ok || b.Count == 0 {
					continue
				}
				lo := decode(b.Min, sp)
				hi := decode(b.Max, sp)
				if lo < minV {
					minV = lo
				}
				if hi > maxV {
					maxV = hi
				}
				sum += b.Sum
				count += b.Count
			}
			bucketStartS := groupStart * res
			if count == 0 {
				bucketCb(m, bucketStartS, math.NaN(), math.NaN(), math.NaN(), false)
				continue
			}
			avgQ := roundHalfAwayFromZero(float64(sum) / float64(count))
			avg := decodeF(avgQ, sp)
			bucketCb(m, bucketStartS, minV, maxV, avg, true)
		}
	}
	return nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) == (b < 0)) {
		q++
	}
	return q
}
