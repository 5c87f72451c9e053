// Package metrics exposes Prometheus instrumentation for the training loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TrainingMetrics groups the collectors updated once per epoch and per
// checkpoint decision.
type TrainingMetrics struct {
	EpochLoss     prometheus.Gauge
	LearningRate  prometheus.Gauge
	EpochDuration prometheus.Histogram
	EpochsTotal   prometheus.Counter

	CheckpointsSaved   prometheus.Counter
	CheckpointsPruned  prometheus.Counter
	CheckpointsSkipped prometheus.Counter

	SpikeReductions prometheus.Counter
}

// NewTrainingMetrics registers the training collectors on the default
// registry.
func NewTrainingMetrics() *TrainingMetrics {
	return &TrainingMetrics{
		EpochLoss: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "training_epoch_loss",
			Help: "Mean loss of the most recent completed epoch",
		}),
		LearningRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "training_learning_rate",
			Help: "Learning rate applied to the first parameter group",
		}),
		EpochDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "training_epoch_duration_seconds",
			Help:    "Wall clock duration of one training epoch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		EpochsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "training_epochs_total",
			Help: "Number of completed training epochs",
		}),
		CheckpointsSaved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "training_checkpoints_saved_total",
			Help: "Number of checkpoint files written",
		}),
		CheckpointsPruned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "training_checkpoints_pruned_total",
			Help: "Number of dominated checkpoint files removed",
		}),
		CheckpointsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "training_checkpoints_skipped_total",
			Help: "Number of checkpoint writes skipped for low disk space",
		}),
		SpikeReductions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "training_spike_reductions_total",
			Help: "Number of loss-spike learning rate reductions",
		}),
	}
}

// ObserveEpoch records the per-epoch collectors in one call.
func (m *TrainingMetrics) ObserveEpoch(loss, lr, durationSeconds float64) {
	m.EpochLoss.Set(loss)
	m.LearningRate.Set(lr)
	m.EpochDuration.Observe(durationSeconds)
	m.EpochsTotal.Inc()
}
