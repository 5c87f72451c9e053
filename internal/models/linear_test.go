package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arberzela/mothernet/pkg/config"
)

func modelConfig() *config.Config {
	return &config.Config{
		Prior: config.PriorConfig{NumFeatures: 5},
		Optimizer: config.OptimizerConfig{
			LearningRate:        0.01,
			AggregateKGradients: 2,
		},
		Dataloader: config.DataloaderConfig{
			BatchSize: 16,
			NumSteps:  50,
		},
		Orchestration: config.OrchestrationConfig{Seed: 42},
	}
}

func TestTrainEpochReturnsFiniteLoss(t *testing.T) {
	cfg := modelConfig()
	opt := NewSGD(cfg.Optimizer)
	m := NewLinear(cfg, opt)

	loss, err := m.TrainEpoch(context.Background())
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)
}

func TestTrainEpochHonorsCancellation(t *testing.T) {
	cfg := modelConfig()
	opt := NewSGD(cfg.Optimizer)
	m := NewLinear(cfg, opt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.TrainEpoch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStateDictRoundTrip(t *testing.T) {
	cfg := modelConfig()
	opt := NewSGD(cfg.Optimizer)
	m := NewLinear(cfg, opt)
	_, err := m.TrainEpoch(context.Background())
	require.NoError(t, err)

	state := m.StateDict()
	require.Contains(t, state, "linear.weight")
	require.Contains(t, state, "linear.bias")

	fresh := NewLinear(modelConfig(), NewSGD(cfg.Optimizer))
	require.NoError(t, fresh.LoadStateDict(state))
	assert.Equal(t, state, fresh.StateDict())
}

func TestLoadStateDictRejectsShapeMismatch(t *testing.T) {
	m := NewLinear(modelConfig(), NewSGD(modelConfig().Optimizer))
	err := m.LoadStateDict(map[string][]float64{"linear.weight": {1, 2}})
	assert.Error(t, err)
}

func TestNumParamsCountsWeightsAndBias(t *testing.T) {
	m := NewLinear(modelConfig(), NewSGD(modelConfig().Optimizer))
	assert.EqualValues(t, 6, m.NumParams())
}

func TestSGDStateDictRoundTrip(t *testing.T) {
	opt := NewSGD(modelConfig().Optimizer)
	opt.stepCount = 17

	fresh := NewSGD(modelConfig().Optimizer)
	require.NoError(t, fresh.LoadStateDict(opt.StateDict()))
	assert.Equal(t, 17, fresh.stepCount)
}
