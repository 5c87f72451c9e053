// Package models provides the built-in reference model trained by the run
// driver: a linear regressor fitted against synthetic tasks drawn from a
// Gaussian prior. It exists so the trainer binary runs end to end without an
// external model plugged in.
package models

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/arberzela/mothernet/internal/train"
	"github.com/arberzela/mothernet/pkg/config"
)

// SGD is a plain stochastic gradient descent optimizer with one parameter
// group. The driver writes the group learning rate before each epoch.
type SGD struct {
	groups      []*train.ParamGroup
	weightDecay float64
	stepCount   int
}

// NewSGD builds the optimizer with a single "all" parameter group.
func NewSGD(opt config.OptimizerConfig) *SGD {
	return &SGD{
		groups:      []*train.ParamGroup{{Name: "all", LR: opt.LearningRate}},
		weightDecay: opt.WeightDecay,
	}
}

func (s *SGD) Groups() []*train.ParamGroup { return s.groups }

func (s *SGD) StateDict() map[string]interface{} {
	return map[string]interface{}{
		"step_count":   s.stepCount,
		"weight_decay": s.weightDecay,
	}
}

func (s *SGD) LoadStateDict(state map[string]interface{}) error {
	if state == nil {
		return nil
	}
	switch v := state["step_count"].(type) {
	case int:
		s.stepCount = v
	case float64:
		s.stepCount = int(v)
	}
	if wd, ok := state["weight_decay"].(float64); ok {
		s.weightDecay = wd
	}
	return nil
}

// Linear is a least-squares regressor trained on freshly sampled synthetic
// tasks every step. Each task draws true weights and a noisy batch from the
// prior, so the loss surface shifts per batch the way prior-fitted training
// does.
type Linear struct {
	weights []float64
	bias    float64

	numFeatures int
	batchSize   int
	numSteps    int
	aggregateK  int

	opt *SGD
	rng *rand.Rand
}

// NewLinear builds the model from the resolved configuration.
func NewLinear(cfg *config.Config, opt *SGD) *Linear {
	d := cfg.Prior.NumFeatures
	if d < 1 {
		d = 1
	}
	aggK := cfg.Optimizer.AggregateKGradients
	if aggK < 1 {
		aggK = 1
	}
	m := &Linear{
		weights:     make([]float64, d),
		numFeatures: d,
		batchSize:   cfg.Dataloader.BatchSize,
		numSteps:    cfg.Dataloader.NumSteps,
		aggregateK:  aggK,
		opt:         opt,
		rng:         rand.New(rand.NewSource(cfg.Orchestration.Seed)),
	}
	if m.batchSize < 1 {
		m.batchSize = 1
	}
	if m.numSteps < 1 {
		m.numSteps = 1
	}
	// Small random init so the first epochs have visible loss movement.
	for i := range m.weights {
		m.weights[i] = m.rng.NormFloat64() * 0.01
	}
	return m
}

// TrainEpoch runs the configured number of steps, aggregating gradients over
// k batches before each parameter update, and returns the mean loss.
func (m *Linear) TrainEpoch(ctx context.Context) (float64, error) {
	lr := m.opt.groups[0].LR

	gradW := make([]float64, m.numFeatures)
	var gradB float64
	var lossSum float64
	var pending int

	for step := 0; step < m.numSteps; step++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		lossSum += m.accumulateBatch(gradW, &gradB)
		pending++

		if pending == m.aggregateK || step == m.numSteps-1 {
			scale := lr / float64(pending)
			for i := range m.weights {
				m.weights[i] -= scale*gradW[i] + lr*m.opt.weightDecay*m.weights[i]
				gradW[i] = 0
			}
			m.bias -= scale * gradB
			gradB = 0
			pending = 0
			m.opt.stepCount++
		}
	}
	return lossSum / float64(m.numSteps), nil
}

// accumulateBatch samples one synthetic task, adds its mean gradient into
// the accumulators and returns the batch loss.
func (m *Linear) accumulateBatch(gradW []float64, gradB *float64) float64 {
	trueW := make([]float64, m.numFeatures)
	for i := range trueW {
		trueW[i] = m.rng.NormFloat64()
	}
	trueB := m.rng.NormFloat64()

	var loss float64
	x := make([]float64, m.numFeatures)
	for n := 0; n < m.batchSize; n++ {
		var target, pred float64
		target = trueB
		pred = m.bias
		for i := range x {
			x[i] = m.rng.NormFloat64()
			target += trueW[i] * x[i]
			pred += m.weights[i] * x[i]
		}
		target += m.rng.NormFloat64() * 0.1

		diff := pred - target
		loss += diff * diff
		for i := range x {
			gradW[i] += 2 * diff * x[i] / float64(m.batchSize)
		}
		*gradB += 2 * diff / float64(m.batchSize)
	}
	return loss / float64(m.batchSize)
}

func (m *Linear) StateDict() map[string][]float64 {
	w := make([]float64, len(m.weights))
	copy(w, m.weights)
	return map[string][]float64{
		"linear.weight": w,
		"linear.bias":   {m.bias},
	}
}

func (m *Linear) LoadStateDict(state map[string][]float64) error {
	w, ok := state["linear.weight"]
	if !ok {
		return fmt.Errorf("state dict missing linear.weight")
	}
	if len(w) != len(m.weights) {
		return fmt.Errorf("weight shape mismatch: got %d, want %d", len(w), len(m.weights))
	}
	copy(m.weights, w)
	if b, ok := state["linear.bias"]; ok && len(b) == 1 {
		m.bias = b[0]
	}
	return nil
}

func (m *Linear) NumParams() int64 {
	return int64(len(m.weights)) + 1
}
