// Package pressure adjusts a recency-weighted base value for run-queue
// pressure. Each (entity, profile) walks a fixed sequence of states and every
// transition leaves an audited snapshot.
package pressure

import (
	"fmt"
	"math"
	"slices"

	"github.com/opscart/nfit/pkg/models"
)

// State of the adjustment state machine
type State string

const (
	StateBaseline          State = "baseline"
	StateDownsizeEvaluated State = "downsize_evaluated"
	StateUpsizeEvaluated   State = "upsize_evaluated"
	StateSanityCapped      State = "sanity_capped"
	StateFinal             State = "final"
)

// States lists the transitions in the only order they may occur
var States = []State{StateBaseline, StateDownsizeEvaluated, StateUpsizeEvaluated, StateSanityCapped, StateFinal}

// Pressure flags attached to a result
const (
	FlagDownsized         = "downsized"
	FlagDownsizeGuarded   = "downsize_guarded"
	FlagSaturated         = "runq_saturated"
	FlagRunQPressure      = "runq_pressure"
	FlagHotThreadWorkload = "hot_thread_workload"
	FlagVolatile          = "volatile_runq"
	FlagSharedPool        = "shared_pool"
	FlagAdditiveCapped    = "additive_capped"
	FlagSanityCapped      = "sanity_capped"
	FlagNoRunQ            = "no_runq_data"
)

// Input is everything the engine needs for one (entity, profile)
type Input struct {
	EntityID string
	Profile  string

	// BaseValue is the recency-weighted percentile plus the capped growth adjustment
	BaseValue float64

	AdditiveOnly    bool
	PrimaryDistress bool

	Entitlement float64
	MaxCPU      float64
	SMT         int
	PoolID      string

	// RunQ holds recency-weighted run-queue statistics keyed by models.RunQ* names
	RunQ map[string]float64
}

// Snapshot is the immutable record of one state transition
type Snapshot struct {
	State    State
	Decision string
	Inputs   map[string]float64
	Value    float64
}

// Outcome is the result of walking all states
type Outcome struct {
	BaseValue          float64
	AfterDownsize      float64
	DownsizingApplied  bool
	UndampenedAdditive float64
	Additive           float64
	DampeningFactor    float64
	HTWSignals         int
	Final              float64
	Flags              []string
	Snapshots          []Snapshot
}

// Audit converts snapshots into audit steps
func (o Outcome) Audit() []models.AuditStep {
	steps := make([]models.AuditStep, 0, len(o.Snapshots))
	for _, s := range o.Snapshots {
		steps = append(steps, models.AuditStep{
			Stage:    string(s.State),
			Decision: s.Decision,
			Inputs:   s.Inputs,
			Value:    s.Value,
		})
	}
	return steps
}

// Engine evaluates the adjustment state machine
type Engine struct {
	th Thresholds
}

// NewEngine creates an engine. Thresholds are expected to be validated.
func NewEngine(th Thresholds) *Engine {
	return &Engine{th: th}
}

// Thresholds returns the engine's configuration
func (e *Engine) Thresholds() Thresholds {
	return e.th
}

// runqView is the derived run-queue picture shared by every stage
type runqView struct {
	have      bool
	absP50    float64
	absP90    float64
	normP25   float64
	normP50   float64
	normP75   float64
	normP90   float64
	ratio     float64
	iqrc      float64
	saturated bool
	smt       float64
}

func (e *Engine) view(in Input) runqView {
	v := runqView{smt: float64(max(1, in.SMT))}
	if in.RunQ == nil {
		return v
	}
	_, okAbs := in.RunQ[models.RunQAbsP90]
	_, okNorm := in.RunQ[models.RunQNormP90]
	v.have = okAbs && okNorm

	v.absP50 = in.RunQ[models.RunQAbsP50]
	v.absP90 = in.RunQ[models.RunQAbsP90]
	v.normP25 = in.RunQ[models.RunQNormP25]
	v.normP50 = in.RunQ[models.RunQNormP50]
	v.normP75 = in.RunQ[models.RunQNormP75]
	v.normP90 = in.RunQ[models.RunQNormP90]

	switch {
	case v.normP50 > 0:
		v.ratio = v.normP90 / v.normP50
	case v.normP90 > 0:
		v.ratio = math.Inf(1)
	}
	if v.normP50 > 0 {
		v.iqrc = (v.normP75 - v.normP25) / v.normP50
	}
	v.saturated = e.saturated(v.absP90, in.MaxCPU, v.smt)
	return v
}

func (e *Engine) saturated(absP90, maxCPU, smt float64) bool {
	return maxCPU > 0 && absP90 >= e.th.SaturationFraction*maxCPU*smt
}

// Distress reports whether a run-queue picture shows overall distress: the
// LPAR is saturated or the normalized P90 is at the distress level. The
// primary profile's distress blocks downsizing for every profile of the entity.
func (e *Engine) Distress(runq map[string]float64, maxCPU float64, smt int) bool {
	if runq == nil {
		return false
	}
	if e.saturated(runq[models.RunQAbsP90], maxCPU, float64(max(1, smt))) {
		return true
	}
	return runq[models.RunQNormP90] >= e.th.DistressNormP90
}

// Evaluate walks Baseline → DownsizeEvaluated → UpsizeEvaluated →
// SanityCapped → Final
func (e *Engine) Evaluate(in Input) Outcome {
	v := e.view(in)
	out := Outcome{BaseValue: in.BaseValue, DampeningFactor: 1}

	out.record(StateBaseline, "recency-weighted base with growth", map[string]float64{
		"entitlement": in.Entitlement,
		"max_cpu":     in.MaxCPU,
		"smt":         v.smt,
	}, in.BaseValue)

	if !v.have {
		out.flag(FlagNoRunQ)
	}

	e.downsize(in, v, &out)
	e.upsize(in, v, &out)
	value := e.sanityCap(in, &out)

	out.Final = value
	out.record(StateFinal, "recommendation", map[string]float64{
		"after_downsize": out.AfterDownsize,
		"additive":       out.Additive,
	}, value)
	return out
}

func (e *Engine) downsize(in Input, v runqView, out *Outcome) {
	base := in.BaseValue
	inputs := map[string]float64{
		"norm_p50":      v.normP50,
		"norm_p90":      v.normP90,
		"p90_p50_ratio": finite(v.ratio),
	}

	if reason := e.downsizeGuard(in, v); reason != "" {
		out.AfterDownsize = base
		out.flag(FlagDownsizeGuarded)
		out.record(StateDownsizeEvaluated, "skipped: "+reason, inputs, base)
		return
	}

	efficient := v.absP90 / (v.smt * e.th.TargetNormRunQ)
	weight := e.th.BaseBlendWeight
	if v.normP50 < e.th.ExceptionallyLowP50 {
		weight = e.th.LowP50BlendWeight
	}
	blended := weight*base + (1-weight)*efficient

	maxReduction := e.th.MaxReductionPercent / 100
	if v.ratio >= e.th.VolatilityModerate {
		maxReduction /= 2
	}
	after := math.Min(base, math.Max(blended, base*(1-maxReduction)))

	inputs["efficient_target"] = efficient
	inputs["blend_weight"] = weight
	inputs["max_reduction"] = maxReduction

	out.AfterDownsize = after
	if after < base {
		out.DownsizingApplied = true
		out.flag(FlagDownsized)
		out.record(StateDownsizeEvaluated, fmt.Sprintf("reduced by %.1f%%", 100*(base-after)/base), inputs, after)
		return
	}
	out.record(StateDownsizeEvaluated, "efficient target not below base", inputs, after)
}

// downsizeGuard returns the first guard that blocks downsizing, or ""
func (e *Engine) downsizeGuard(in Input, v runqView) string {
	switch {
	case in.BaseValue <= 0:
		return "no base value"
	case in.PrimaryDistress:
		return "primary profile shows run-queue distress"
	case in.AdditiveOnly:
		return "profile is additive-only"
	case !v.have:
		return "no run-queue data"
	case in.Entitlement > 0 && in.BaseValue > in.Entitlement:
		return "base exceeds entitlement"
	case in.MaxCPU > 0 && in.BaseValue >= e.th.NearMaxFraction*in.MaxCPU && v.saturated:
		return "base near max CPU with saturated run-queue"
	case v.ratio >= e.th.VolatilityCaution:
		return "run-queue volatility above caution threshold"
	case v.normP50 >= e.th.DownsizeMaxNormP50:
		return "median run-queue too high"
	}
	return ""
}

func (e *Engine) upsize(in Input, v runqView, out *Outcome) {
	after := out.AfterDownsize
	inputs := map[string]float64{
		"abs_p90":  v.absP90,
		"norm_p90": v.normP90,
		"norm_p50": v.normP50,
		"iqrc":     v.iqrc,
	}

	if v.saturated {
		out.flag(FlagSaturated)
	}
	triggered := v.normP90 > e.th.UpsizeNormP90Trigger && v.absP90 >= e.th.UpsizeMinAbsRunQ
	if !v.have || (!v.saturated && !triggered) {
		out.record(StateUpsizeEvaluated, "no run-queue pressure", inputs, after)
		return
	}
	out.flag(FlagRunQPressure)

	excess := v.absP90 - after*v.smt*e.th.TolerableNormRunQ
	inputs["excess_threads"] = excess
	if excess <= 0 {
		out.record(StateUpsizeEvaluated, "pressure without excess threads", inputs, after)
		return
	}
	additive := excess / v.smt

	ceilingBase := in.Entitlement
	if ceilingBase <= 0 {
		ceilingBase = in.BaseValue
	}
	ceiling := ceilingBase * e.th.CeilingFactor(in.Entitlement)
	additive = math.Min(additive, ceiling)
	inputs["sliding_ceiling"] = ceiling
	out.UndampenedAdditive = additive

	signals, util := e.htwSignals(in, v)
	out.HTWSignals = signals
	inputs["htw_signals"] = float64(signals)
	inputs["utilization"] = util
	if signals >= e.th.HTWMinSignals {
		out.DampeningFactor = e.dampening(util, v.iqrc)
		additive *= out.DampeningFactor
		out.flag(FlagHotThreadWorkload)
	}
	inputs["dampening_factor"] = out.DampeningFactor

	confidence := 1.0
	switch {
	case v.ratio >= e.th.VolatilityCaution:
		confidence *= e.th.VolatileConfidence
		out.flag(FlagVolatile)
	case v.ratio >= e.th.VolatilityModerate:
		confidence *= e.th.ModerateConfidence
		out.flag(FlagVolatile)
	}
	if in.PoolID != "" && in.PoolID != "0" {
		confidence *= e.th.PoolConfidence
		out.flag(FlagSharedPool)
	}
	additive *= confidence
	inputs["confidence"] = confidence

	limit := math.Min(e.th.AbsoluteAdditiveCap, e.th.RelativeAdditiveCap*in.BaseValue)
	inputs["additive_limit"] = limit
	if additive > limit {
		additive = limit
		out.flag(FlagAdditiveCapped)
	}
	additive = math.Max(0, additive)

	out.Additive = additive
	out.record(StateUpsizeEvaluated, fmt.Sprintf("added %.3f cores", additive), inputs, after+additive)
}

// htwSignals counts the Hot-Thread-Workload signals that hold
func (e *Engine) htwSignals(in Input, v runqView) (int, float64) {
	util := 1.0
	if in.Entitlement > 0 {
		util = in.BaseValue / in.Entitlement
	}
	n := 0
	for _, ok := range []bool{
		v.normP90 >= e.th.HTWNormP90,
		util <= e.th.HTWUtilization,
		v.normP50 >= e.th.HTWNormP50,
		!v.saturated,
		v.iqrc >= e.th.HTWIQRC,
	} {
		if ok {
			n++
		}
	}
	return n, util
}

// dampening shrinks with utilization and with IQRC above its threshold
func (e *Engine) dampening(util, iqrc float64) float64 {
	f := clamp(e.th.HTWMaxFactor*util/e.th.HTWUtilization, e.th.HTWMinFactor, e.th.HTWMaxFactor)
	if iqrc > 0 {
		f *= clamp(e.th.HTWIQRC/iqrc, e.th.HTWMinIQRCFactor, 1)
	}
	return f
}

func (e *Engine) sanityCap(in Input, out *Outcome) float64 {
	value := out.AfterDownsize + out.Additive
	if in.MaxCPU <= 0 {
		out.record(StateSanityCapped, "skipped: max CPU unknown", nil, value)
		return value
	}

	mult := e.th.ForecastMultiplier(in.Entitlement)
	limit := in.MaxCPU * mult
	inputs := map[string]float64{"forecast_multiplier": mult, "limit": limit}
	if value > limit {
		out.flag(FlagSanityCapped)
		out.record(StateSanityCapped, "capped at forecast limit", inputs, limit)
		return limit
	}
	out.record(StateSanityCapped, "within forecast limit", inputs, value)
	return value
}

func (o *Outcome) record(state State, decision string, inputs map[string]float64, value float64) {
	o.Snapshots = append(o.Snapshots, Snapshot{State: state, Decision: decision, Inputs: inputs, Value: value})
}

func (o *Outcome) flag(f string) {
	if slices.Contains(o.Flags, f) {
		return
	}
	o.Flags = append(o.Flags, f)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// finite keeps audit inputs JSON-encodable
func finite(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return math.MaxFloat64
	}
	return v
}
