// Package train drives the training-run lifecycle: resume reconciliation,
// the epoch loop, scheduler stepping and the exit checkpoint guarantee.
package train

import (
	"context"
	"fmt"
	"time"

	"github.com/arberzela/mothernet/pkg/config"
	"github.com/arberzela/mothernet/pkg/storage"
)

// Model is the external collaborator the driver trains one epoch at a time.
// The driver owns when epochs run and what learning rates apply; the model
// owns everything inside an epoch.
type Model interface {
	// TrainEpoch runs one full pass over the synthetic batches and returns
	// the mean scalar loss.
	TrainEpoch(ctx context.Context) (float64, error)
	// StateDict returns the named trainable parameters.
	StateDict() map[string][]float64
	// LoadStateDict applies previously saved parameters.
	LoadStateDict(state map[string][]float64) error
	// NumParams returns the trainable parameter count.
	NumParams() int64
}

// ParamGroup is one optimizer parameter group with its own live rate.
type ParamGroup struct {
	Name string
	LR   float64
}

// Optimizer is the external gradient-step collaborator. The driver writes
// group learning rates before each epoch; the optimizer applies them.
type Optimizer interface {
	Groups() []*ParamGroup
	StateDict() map[string]interface{}
	LoadStateDict(state map[string]interface{}) error
}

// TrainingState is the live per-epoch record of a run. The three sequences
// stay parallel: index i holds the observation of epoch i+1.
type TrainingState struct {
	ModelString    string
	Losses         []float64
	LearningRates  []float64
	WallclockTimes []float64

	start       time.Time
	baseElapsed float64
}

// NewTrainingState starts a fresh record.
func NewTrainingState(modelString string) *TrainingState {
	return &TrainingState{ModelString: modelString, start: time.Now()}
}

// Resume rebuilds the record from a persisted history so the wallclock
// sequence continues from where the previous process stopped.
func Resume(modelString string, hist storage.RunHistory) *TrainingState {
	s := NewTrainingState(modelString)
	s.Losses = append(s.Losses, hist.Losses...)
	s.LearningRates = append(s.LearningRates, hist.LearningRates...)
	s.WallclockTimes = append(s.WallclockTimes, hist.WallclockTimes...)
	if n := len(s.WallclockTimes); n > 0 {
		s.baseElapsed = s.WallclockTimes[n-1]
	}
	return s
}

// Append records one finished epoch and returns its cumulative wallclock.
func (s *TrainingState) Append(loss, lr float64) float64 {
	wallclock := s.baseElapsed + time.Since(s.start).Seconds()
	s.Losses = append(s.Losses, loss)
	s.LearningRates = append(s.LearningRates, lr)
	s.WallclockTimes = append(s.WallclockTimes, wallclock)
	return wallclock
}

// Epochs returns the number of completed epochs.
func (s *TrainingState) Epochs() int { return len(s.Losses) }

// History converts the record into the persisted form.
func (s *TrainingState) History() storage.RunHistory {
	return storage.RunHistory{
		Losses:         s.Losses,
		LearningRates:  s.LearningRates,
		WallclockTimes: s.WallclockTimes,
	}
}

// ModelString derives the stable run identifier from the configuration. It
// doubles as the tracking run name and the checkpoint file stem, so resumed
// runs must reproduce it; the creation timestamp is therefore embedded in
// the config on first derivation rather than recomputed.
func ModelString(cfg *config.Config, created time.Time) string {
	return fmt.Sprintf("prior_diff_real_checkpoint_n_%d_epoch_%d_lr_%v_emsize_%d_nlayers_%d_%s",
		cfg.Prior.NSamples,
		cfg.Orchestration.Epochs,
		cfg.Optimizer.LearningRate,
		cfg.Transformer.EmSize,
		cfg.Transformer.NLayers,
		created.Format("01_02_2006_15_04_05"),
	)
}
