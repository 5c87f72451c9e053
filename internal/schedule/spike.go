package schedule

import (
	"math"

	"github.com/arberzela/mothernet/pkg/config"
	"github.com/arberzela/mothernet/pkg/logger"
)

// ReduceOnSpike is the reactive policy: it watches a sliding window of recent
// losses and, when a new loss lands more than one standard deviation away
// from the window mean, multiplies every parameter group's rate by Factor
// (clamped at MinRate). Reductions are monotone non-increasing per group.
//
// Unlike the step policies this one is not a function of the step index; its
// whole behavior is the window plus the per-group rate ceilings it has
// imposed so far. It must only be called from the single epoch-advancing
// control thread.
type ReduceOnSpike struct {
	Factor    float64
	Smoothing int
	MinRate   float64
	Eps       float64

	recent    []float64
	caps      []float64
	lastEpoch int
}

// SpikeState is the serializable state of the reactive policy.
type SpikeState struct {
	Recent    []float64 `json:"recent"`
	Caps      []float64 `json:"caps,omitempty"`
	LastEpoch int       `json:"last_epoch"`
}

// NewReduceOnSpike builds the reactive policy from config. Config validation
// has already rejected factors outside (0, 1).
func NewReduceOnSpike(cfg config.AdaptiveRateConfig) *ReduceOnSpike {
	return &ReduceOnSpike{
		Factor:    cfg.Factor,
		Smoothing: cfg.SmoothingWindow,
		MinRate:   cfg.MinLearningRate,
		Eps:       cfg.Eps,
	}
}

// Observe feeds one loss observation. Until the window holds Smoothing
// samples nothing happens. Once full, a loss more than one standard
// deviation away from the window mean triggers exactly one reduction and
// resets the window; otherwise the window slides by one. The return value
// reports whether a reduction fired.
func (r *ReduceOnSpike) Observe(current float64, rates []float64) bool {
	r.lastEpoch++
	if len(r.recent) < r.Smoothing {
		r.recent = append(r.recent, current)
		return false
	}

	if math.Abs(mean(r.recent)-current) > stddev(r.recent) {
		logger.GetLogger().Warnf("Loss spike at epoch %d: current %g, recent mean %g", r.lastEpoch, current, mean(r.recent))
		r.reduce(rates)
		r.recent = r.recent[:0]
		return true
	}

	r.recent = append(r.recent[1:], current)
	return false
}

// reduce lowers every group's ceiling to rate*Factor, clamped at MinRate.
// A ceiling of 0 means the group has not been reduced yet. Changes smaller
// than Eps are suppressed to avoid floating-point churn.
func (r *ReduceOnSpike) reduce(rates []float64) {
	if len(r.caps) < len(rates) {
		caps := make([]float64, len(rates))
		copy(caps, r.caps)
		r.caps = caps
	}
	for i, rate := range rates {
		old := rate
		if r.caps[i] > 0 && r.caps[i] < old {
			old = r.caps[i]
		}
		newRate := math.Max(old*r.Factor, r.MinRate)
		if old-newRate > r.Eps {
			r.caps[i] = newRate
			logger.GetLogger().Infof("Epoch %d: reducing learning rate of group %d to %.4e", r.lastEpoch, i, newRate)
		}
	}
}

// CapFor returns the rate ceiling for a group, or 0 when the group has not
// been reduced.
func (r *ReduceOnSpike) CapFor(i int) float64 {
	if i >= len(r.caps) {
		return 0
	}
	return r.caps[i]
}

// WindowLen reports how many losses the smoothing window currently holds.
func (r *ReduceOnSpike) WindowLen() int {
	return len(r.recent)
}

// State snapshots the policy for checkpointing.
func (r *ReduceOnSpike) State() SpikeState {
	return SpikeState{
		Recent:    append([]float64(nil), r.recent...),
		Caps:      append([]float64(nil), r.caps...),
		LastEpoch: r.lastEpoch,
	}
}

// Restore re-applies a checkpoint snapshot.
func (r *ReduceOnSpike) Restore(st SpikeState) {
	r.recent = append([]float64(nil), st.Recent...)
	r.caps = append([]float64(nil), st.Caps...)
	r.lastEpoch = st.LastEpoch
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the population standard deviation of the window.
func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}
