package pressure

import (
	"math"
	"math/rand/v2"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opscart/nfit/pkg/models"
)

func runq(absP50, absP90, p25, p50, p75, p90 float64) map[string]float64 {
	return map[string]float64{
		models.RunQAbsP50:  absP50,
		models.RunQAbsP90:  absP90,
		models.RunQNormP25: p25,
		models.RunQNormP50: p50,
		models.RunQNormP75: p75,
		models.RunQNormP90: p90,
	}
}

func statesOf(o Outcome) []State {
	states := make([]State, 0, len(o.Snapshots))
	for _, s := range o.Snapshots {
		states = append(states, s.State)
	}
	return states
}

var _ = Describe("Engine", func() {
	var engine *Engine

	BeforeEach(func() {
		engine = NewEngine(DefaultThresholds())
	})

	Context("hot thread workload", func() {
		var in Input

		BeforeEach(func() {
			// 20% utilization, IQRC (2.2-1.0)/1.5 = 0.8, far from LPAR saturation
			in = Input{
				EntityID:    "lpar1",
				Profile:     "O1-99W5",
				BaseValue:   0.4,
				Entitlement: 2,
				MaxCPU:      4,
				SMT:         4,
				PoolID:      "0",
				RunQ:        runq(1.5, 3.0, 1.0, 1.5, 2.2, 3.0),
			}
		})

		It("should fire and dampen the additive CPU", func() {
			out := engine.Evaluate(in)

			Expect(out.HTWSignals).To(BeNumerically(">=", 4))
			Expect(out.Flags).To(ContainElement(FlagHotThreadWorkload))
			Expect(out.UndampenedAdditive).To(BeNumerically("~", 0.35, 1e-9))
			Expect(out.DampeningFactor).To(BeNumerically("~", 0.15, 1e-9))
			Expect(out.Additive).To(BeNumerically("<", out.UndampenedAdditive))
			Expect(out.Additive).To(BeNumerically(">", 0))
		})

		It("should still fire with four of five signals", func() {
			in.RunQ = runq(1.5, 3.0, 1.4, 1.5, 1.6, 3.0)
			out := engine.Evaluate(in)

			Expect(out.HTWSignals).To(Equal(4))
			Expect(out.Flags).To(ContainElement(FlagHotThreadWorkload))
		})

		It("should not fire for a well utilized partition with steady run-queue", func() {
			in.BaseValue = 1.8
			in.RunQ = runq(4, 8, 1.4, 1.5, 1.6, 3.0)
			out := engine.Evaluate(in)

			Expect(out.HTWSignals).To(BeNumerically("<", 4))
			Expect(out.Flags).NotTo(ContainElement(FlagHotThreadWorkload))
			Expect(out.DampeningFactor).To(Equal(1.0))
		})
	})

	Context("downsizing", func() {
		var in Input

		BeforeEach(func() {
			in = Input{
				BaseValue:   2.0,
				Entitlement: 4,
				MaxCPU:      4,
				SMT:         4,
				RunQ:        runq(0.5, 1.0, 0.1, 0.2, 0.25, 0.3),
			}
		})

		It("should cap the reduction at the maximum percentage", func() {
			out := engine.Evaluate(in)

			Expect(out.DownsizingApplied).To(BeTrue())
			Expect(out.AfterDownsize).To(BeNumerically("~", 1.7, 1e-9))
			Expect(out.Additive).To(BeZero())
			Expect(out.Final).To(BeNumerically("~", 1.7, 1e-9))
			Expect(out.Flags).To(ContainElement(FlagDownsized))
		})

		It("should halve the reduction cap when run-queue is moderately volatile", func() {
			in.RunQ = runq(0.5, 1.0, 0.1, 0.2, 0.25, 0.4)
			out := engine.Evaluate(in)

			Expect(out.AfterDownsize).To(BeNumerically("~", 2.0*(1-0.075), 1e-9))
		})

		DescribeTable("should be guarded",
			func(mutate func(*Input), reason string) {
				mutate(&in)
				out := engine.Evaluate(in)

				Expect(out.DownsizingApplied).To(BeFalse())
				Expect(out.AfterDownsize).To(Equal(in.BaseValue))
				Expect(out.Flags).To(ContainElement(FlagDownsizeGuarded))
				Expect(out.Snapshots[1].Decision).To(ContainSubstring(reason))
			},
			Entry("for additive-only profiles", func(in *Input) { in.AdditiveOnly = true }, "additive-only"),
			Entry("when the primary profile is in distress", func(in *Input) { in.PrimaryDistress = true }, "distress"),
			Entry("when base exceeds entitlement", func(in *Input) { in.Entitlement = 1.5 }, "exceeds entitlement"),
			Entry("when run-queue is volatile", func(in *Input) { in.RunQ[models.RunQNormP90] = 0.6 }, "volatility"),
			Entry("when median run-queue is high", func(in *Input) {
				in.RunQ[models.RunQNormP50] = 0.6
				in.RunQ[models.RunQNormP90] = 0.9
			}, "median"),
			Entry("without run-queue data", func(in *Input) { in.RunQ = nil }, "no run-queue"),
		)
	})

	Context("caps", func() {
		It("should clamp additive CPU to the absolute cap", func() {
			out := engine.Evaluate(Input{
				BaseValue:   3,
				Entitlement: 4,
				MaxCPU:      8,
				SMT:         8,
				RunQ:        runq(40, 60, 1.8, 2.0, 2.2, 2.5),
			})

			Expect(out.Flags).To(ContainElements(FlagSaturated, FlagAdditiveCapped))
			Expect(out.Additive).To(Equal(0.5))
		})

		It("should clamp additive CPU to the relative cap for tiny partitions", func() {
			out := engine.Evaluate(Input{
				BaseValue:   0.1,
				Entitlement: 0.5,
				MaxCPU:      1,
				SMT:         8,
				RunQ:        runq(6, 8, 2.0, 2.1, 2.2, 2.4),
			})

			Expect(out.Additive).To(BeNumerically("<=", 0.2))
		})

		It("should apply the sanity cap scaled by entitlement", func() {
			out := engine.Evaluate(Input{BaseValue: 5, Entitlement: 1, MaxCPU: 1, SMT: 4})

			Expect(out.Final).To(Equal(2.5))
			Expect(out.Flags).To(ContainElements(FlagSanityCapped, FlagNoRunQ))
		})

		It("should skip the sanity cap when max CPU is unknown", func() {
			out := engine.Evaluate(Input{BaseValue: 5, Entitlement: 1})

			Expect(out.Final).To(Equal(5.0))
			Expect(out.Snapshots[3].Decision).To(HavePrefix("skipped"))
		})
	})

	It("should walk every state in order and hold the invariants", func() {
		rng := rand.New(rand.NewPCG(7, 11))
		for range 500 {
			p50 := rng.Float64() * 3
			in := Input{
				BaseValue:    rng.Float64() * 6,
				Entitlement:  0.1 + rng.Float64()*10,
				MaxCPU:       float64(rng.IntN(16)),
				SMT:          []int{1, 2, 4, 8}[rng.IntN(4)],
				PoolID:       []string{"0", "3"}[rng.IntN(2)],
				AdditiveOnly: rng.IntN(4) == 0,
				RunQ: runq(rng.Float64()*20, rng.Float64()*40,
					p50*rng.Float64(), p50, p50*(1+rng.Float64()), p50*(1+2*rng.Float64())),
			}
			out := engine.Evaluate(in)

			Expect(statesOf(out)).To(Equal(States))
			Expect(out.AfterDownsize).To(BeNumerically("<=", in.BaseValue))
			limit := math.Min(0.5, 2*in.BaseValue)
			Expect(out.Additive).To(BeNumerically("<=", limit+1e-12))
			Expect(out.Additive).To(BeNumerically(">=", 0))
		}
	})

	It("should detect distress from saturation or normalized P90", func() {
		Expect(engine.Distress(runq(0, 15, 0, 0, 0, 0), 4, 4)).To(BeTrue())
		Expect(engine.Distress(runq(0, 1, 0, 1, 1, 3.2), 4, 4)).To(BeTrue())
		Expect(engine.Distress(runq(0, 1, 0, 1, 1, 1.2), 4, 4)).To(BeFalse())
		Expect(engine.Distress(nil, 4, 4)).To(BeFalse())
	})

	It("should export an audit step per state", func() {
		out := engine.Evaluate(Input{BaseValue: 1, Entitlement: 2, MaxCPU: 2, SMT: 2})
		steps := out.Audit()

		Expect(steps).To(HaveLen(len(States)))
		Expect(steps[0].Stage).To(Equal(string(StateBaseline)))
		Expect(steps[len(steps)-1].Value).To(Equal(out.Final))
	})
})

var _ = Describe("Thresholds", func() {
	It("should accept the defaults", func() {
		Expect(DefaultThresholds().Validate()).To(Succeed())
	})

	It("should reject contradictory volatility thresholds", func() {
		th := DefaultThresholds()
		th.VolatilityModerate = 3
		err := th.Validate()
		Expect(err).To(MatchError(models.ErrConfiguration))
	})

	It("should interpolate the forecast multiplier by entitlement", func() {
		th := DefaultThresholds()
		Expect(th.ForecastMultiplier(0.5)).To(Equal(2.5))
		Expect(th.ForecastMultiplier(8)).To(Equal(1.25))
		Expect(th.ForecastMultiplier(4.5)).To(BeNumerically("~", 1.875, 1e-9))
	})
})
