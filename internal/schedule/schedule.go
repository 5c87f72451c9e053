// Package schedule implements the learning-rate policies driving a training
// run: linear warmup composed with a cosine, exponential-with-floor or
// restarting-cosine base policy, plus the reactive reduce-on-spike policy.
package schedule

import (
	"math"

	"github.com/arberzela/mothernet/pkg/config"
)

// warmupFloor is the near-zero multiplier at warmup step 0. A true zero
// would freeze the first optimizer step entirely.
const warmupFloor = 1e-10

// Policy computes an absolute learning rate from a base rate and a zero-based
// step index. Policies are pure; all mutable scheduling state lives in
// Scheduler and State.
type Policy interface {
	Rate(base float64, step int) float64
}

// WarmupLinear ramps the rate linearly from a near-zero floor to the base
// rate over TotalSteps. At step >= TotalSteps it returns the base rate.
type WarmupLinear struct {
	TotalSteps int
}

func (w WarmupLinear) Rate(base float64, step int) float64 {
	return base * w.Factor(step)
}

// Factor returns the warmup multiplier for a step.
func (w WarmupLinear) Factor(step int) float64 {
	if step >= w.TotalSteps {
		return 1.0
	}
	f := float64(step) / float64(max(1, w.TotalSteps))
	if f < warmupFloor {
		return warmupFloor
	}
	return f
}

// Cosine is a half-cosine decay from the base rate to EtaMin over TMax steps.
// It stays at EtaMin once TMax is reached. EtaMin >= base is allowed and
// simply means the rate moves toward EtaMin instead of decaying.
type Cosine struct {
	TMax   int
	EtaMin float64
}

func (c Cosine) Rate(base float64, step int) float64 {
	progress := float64(step) / float64(max(1, c.TMax))
	if progress > 1 {
		progress = 1
	}
	return c.EtaMin + (base-c.EtaMin)*0.5*(1.0+math.Cos(math.Pi*progress))
}

// ExponentialFloor decays the rate by Gamma each step, never below MinRate
// and never above the base rate. Gamma == 1 is the constant schedule.
type ExponentialFloor struct {
	Gamma   float64
	MinRate float64
}

func (e ExponentialFloor) Rate(base float64, step int) float64 {
	rate := base * math.Pow(e.Gamma, float64(step))
	if rate < e.MinRate {
		return e.MinRate
	}
	return rate
}

// RestartCosine partitions training into fixed-length periods; each period
// runs an independent warmup+cosine cycle. Warmup applies only within the
// first period. The rate is floored at EtaMin.
type RestartCosine struct {
	Period      int
	WarmupSteps int
	EtaMin      float64
}

func (r RestartCosine) Rate(base float64, step int) float64 {
	inner := step % max(1, r.Period)
	warmup := r.WarmupSteps
	if step >= r.Period {
		warmup = 0
	}
	var mult float64
	if inner < warmup {
		mult = float64(inner) / float64(max(1, warmup))
	} else {
		progress := float64(inner-warmup) / float64(max(1, r.Period-warmup))
		mult = math.Max(0.0, 0.5*(1.0+math.Cos(math.Pi*progress)))
	}
	rate := base * mult
	if rate < r.EtaMin {
		return r.EtaMin
	}
	return rate
}

// Sequential runs the warmup policy strictly before the milestone step and
// the base policy at and after it, with the base policy's step counter reset
// to zero at the milestone.
type Sequential struct {
	Warmup    WarmupLinear
	Base      Policy
	Milestone int
}

func (s Sequential) Rate(base float64, step int) float64 {
	if step < s.Milestone {
		return s.Warmup.Rate(base, step)
	}
	return s.Base.Rate(base, step-s.Milestone)
}

// State is the serializable state of a Scheduler, carried inside checkpoints.
type State struct {
	Schedule string  `json:"schedule"`
	Step     int     `json:"step"`
	BaseRate float64 `json:"base_rate"`

	// LastRates holds the last rate applied to each parameter group.
	LastRates []float64 `json:"last_rates,omitempty"`

	// Spike is present when the reactive reduce-on-spike policy is active.
	Spike *SpikeState `json:"spike,omitempty"`
}

// Scheduler owns an active policy and its step counter, and produces the
// per-epoch learning rate for the run driver.
type Scheduler struct {
	policy    Policy
	schedule  string
	step      int
	baseRate  float64
	lastRates []float64
	spike     *ReduceOnSpike
}

// FromConfig builds a scheduler from the optimizer settings. totalEpochs
// bounds the cosine horizon; a restart schedule whose period does not evenly
// divide it is a configuration error.
func FromConfig(opt config.OptimizerConfig, totalEpochs int) (*Scheduler, error) {
	warmup := WarmupLinear{TotalSteps: opt.WarmupEpochs}

	var base Policy
	switch opt.Schedule {
	case "cosine":
		base = Cosine{TMax: totalEpochs - opt.WarmupEpochs, EtaMin: opt.MinLearningRate}
	case "exponential":
		base = ExponentialFloor{Gamma: opt.LRDecay, MinRate: opt.MinLearningRate}
	case "constant":
		base = ExponentialFloor{Gamma: 1, MinRate: opt.MinLearningRate}
	case "restarts":
		if opt.RestartPeriod <= 0 || totalEpochs%opt.RestartPeriod != 0 {
			return nil, config.Errorf("restart_period %d does not evenly divide %d total epochs",
				opt.RestartPeriod, totalEpochs)
		}
		// Restart cycles manage their own warmup, so no outer milestone.
		return newScheduler(opt.Schedule, opt.LearningRate, RestartCosine{
			Period:      opt.RestartPeriod,
			WarmupSteps: opt.WarmupEpochs,
			EtaMin:      opt.MinLearningRate,
		}, nil), nil
	default:
		return nil, config.Errorf("invalid learning rate schedule: %s", opt.Schedule)
	}

	var spike *ReduceOnSpike
	if opt.AdaptiveRate.Enabled {
		spike = NewReduceOnSpike(opt.AdaptiveRate)
	}
	return newScheduler(opt.Schedule, opt.LearningRate, Sequential{
		Warmup:    warmup,
		Base:      base,
		Milestone: opt.WarmupEpochs,
	}, spike), nil
}

func newScheduler(schedule string, baseRate float64, policy Policy, spike *ReduceOnSpike) *Scheduler {
	return &Scheduler{policy: policy, schedule: schedule, baseRate: baseRate, spike: spike}
}

// RateFor returns the rate the active policy prescribes at a step without
// advancing the scheduler.
func (s *Scheduler) RateFor(step int) float64 {
	return s.policy.Rate(s.baseRate, step)
}

// Step computes the rates for every parameter group at the current step and
// advances the step counter. When the reactive policy has reduced a group
// below the scheduled rate, the reduced rate wins.
func (s *Scheduler) Step(numGroups int) []float64 {
	scheduled := s.policy.Rate(s.baseRate, s.step)
	rates := make([]float64, numGroups)
	for i := range rates {
		rates[i] = scheduled
		if s.spike != nil {
			if ceiling := s.spike.CapFor(i); ceiling > 0 && ceiling < scheduled {
				rates[i] = ceiling
			}
		}
	}
	s.step++
	s.lastRates = rates
	return rates
}

// Observe feeds a loss to the reactive policy, if one is active. The returned
// flag reports whether a spike reduction fired.
func (s *Scheduler) Observe(loss float64) bool {
	if s.spike == nil {
		return false
	}
	return s.spike.Observe(loss, s.lastRates)
}

// CurrentStep reports the zero-based step the scheduler will evaluate next.
func (s *Scheduler) CurrentStep() int {
	return s.step
}

// Schedule reports the configured schedule name.
func (s *Scheduler) Schedule() string {
	return s.schedule
}

// State snapshots the scheduler for checkpointing.
func (s *Scheduler) State() State {
	st := State{
		Schedule:  s.schedule,
		Step:      s.step,
		BaseRate:  s.baseRate,
		LastRates: append([]float64(nil), s.lastRates...),
	}
	if s.spike != nil {
		spikeState := s.spike.State()
		st.Spike = &spikeState
	}
	return st
}

// Restore rebuilds the step counter and reactive state from a checkpoint
// snapshot. The policy itself is rebuilt from config by FromConfig; Restore
// only re-applies the mutable parts.
func (s *Scheduler) Restore(st State) {
	s.step = st.Step
	if st.BaseRate > 0 {
		s.baseRate = st.BaseRate
	}
	s.lastRates = append([]float64(nil), st.LastRates...)
	if s.spike != nil && st.Spike != nil {
		s.spike.Restore(*st.Spike)
	}
}
