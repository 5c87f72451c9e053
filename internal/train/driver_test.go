package train

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arberzela/mothernet/pkg/config"
	"github.com/arberzela/mothernet/pkg/storage"
)

type fakeModel struct {
	losses     []float64
	epochsRun  int
	failAt     int
	loadedKeys []string
}

func (m *fakeModel) TrainEpoch(ctx context.Context) (float64, error) {
	if m.failAt > 0 && m.epochsRun+1 == m.failAt {
		return 0, errors.New("nan loss")
	}
	idx := m.epochsRun
	if idx >= len(m.losses) {
		idx = len(m.losses) - 1
	}
	m.epochsRun++
	return m.losses[idx], nil
}

func (m *fakeModel) StateDict() map[string][]float64 {
	return map[string][]float64{"w": {float64(m.epochsRun)}}
}

func (m *fakeModel) LoadStateDict(state map[string][]float64) error {
	for k := range state {
		m.loadedKeys = append(m.loadedKeys, k)
	}
	return nil
}

func (m *fakeModel) NumParams() int64 { return 10 }

type fakeOptimizer struct {
	groups  []*ParamGroup
	applied []float64
	loaded  bool
}

func newFakeOptimizer() *fakeOptimizer {
	return &fakeOptimizer{groups: []*ParamGroup{{Name: "all"}}}
}

func (o *fakeOptimizer) Groups() []*ParamGroup { return o.groups }

func (o *fakeOptimizer) StateDict() map[string]interface{} {
	return map[string]interface{}{"step_count": len(o.applied)}
}

func (o *fakeOptimizer) LoadStateDict(map[string]interface{}) error {
	o.loaded = true
	return nil
}

func testConfig(basePath string) *config.Config {
	return &config.Config{
		Device: "cpu",
		Prior:  config.PriorConfig{NSamples: 1024, NumFeatures: 10},
		Transformer: config.TransformerConfig{
			EmSize:  512,
			NLayers: 12,
		},
		Optimizer: config.OptimizerConfig{
			LearningRate: 0.01,
			Schedule:     "constant",
		},
		Orchestration: config.OrchestrationConfig{
			BasePath:  basePath,
			Epochs:    4,
			SaveEvery: 1000,
		},
	}
}

func exitCheckpointPath(base, modelString string) string {
	return filepath.Join(base, "models_diff", fmt.Sprintf("%s_epoch_on_exit.json", modelString))
}

func TestRunWritesExitCheckpointWhenIntervalNeverHit(t *testing.T) {
	base := t.TempDir()
	model := &fakeModel{losses: []float64{4, 3, 2, 1}}
	d, err := NewDriver(testConfig(base), Options{Model: model, Optimizer: newFakeOptimizer()})
	require.NoError(t, err)

	final, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, final)
	assert.Equal(t, 4, model.epochsRun)

	// save_every exceeds the epoch budget, so the only file is the exit one.
	entries, err := os.ReadDir(filepath.Join(base, "models_diff"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	cp, err := storage.Load(exitCheckpointPath(base, d.ModelStringValue()))
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 3, 2, 1}, cp.History().Losses)
	assert.EqualValues(t, 4, cp.Config["epoch_in_training"])
}

func TestRunStopsAfterConfiguredEpochs(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Orchestration.Epochs = 100
	cfg.Orchestration.StopAfterEpochs = 3

	model := &fakeModel{losses: []float64{1}}
	d, err := NewDriver(cfg, Options{Model: model, Optimizer: newFakeOptimizer()})
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, model.epochsRun)
}

func TestRunWritesExitCheckpointOnEpochFailure(t *testing.T) {
	base := t.TempDir()
	model := &fakeModel{losses: []float64{4, 3, 2, 1}, failAt: 3}
	d, err := NewDriver(testConfig(base), Options{Model: model, Optimizer: newFakeOptimizer()})
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.Error(t, err)

	cp, err := storage.Load(exitCheckpointPath(base, d.ModelStringValue()))
	require.NoError(t, err)
	// Two epochs completed before the failure.
	assert.Equal(t, []float64{4, 3}, cp.History().Losses)
}

func TestRunAppliesScheduledRatesToGroups(t *testing.T) {
	opt := newFakeOptimizer()
	d, err := NewDriver(testConfig(t.TempDir()), Options{
		Model:     &fakeModel{losses: []float64{1}},
		Optimizer: opt,
	})
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.01, opt.groups[0].LR)
}

func TestCancelledContextRunsNoEpochs(t *testing.T) {
	model := &fakeModel{losses: []float64{1}}
	d, err := NewDriver(testConfig(t.TempDir()), Options{Model: model, Optimizer: newFakeOptimizer()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, model.epochsRun)
}

func TestSingleSlotResumeContinuesEpochs(t *testing.T) {
	slotDir := t.TempDir()

	cfg := testConfig(slotDir)
	cfg.Orchestration.CheckpointDir = slotDir
	cfg.Orchestration.SaveEvery = 1
	cfg.Orchestration.StopAfterEpochs = 2

	model1 := &fakeModel{losses: []float64{4, 3, 2, 1}}
	d1, err := NewDriver(cfg, Options{Model: model1, Optimizer: newFakeOptimizer()})
	require.NoError(t, err)
	require.Equal(t, 1, d1.StartEpoch())

	_, err = d1.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, model1.epochsRun)
	_, err = os.Stat(filepath.Join(slotDir, storage.CheckpointFileName))
	require.NoError(t, err)

	// A fresh invocation against the same directory picks the run back up
	// without any resume flags.
	cfg2 := testConfig(slotDir)
	cfg2.Orchestration.CheckpointDir = slotDir
	cfg2.Orchestration.SaveEvery = 1

	model2 := &fakeModel{losses: []float64{2, 1}}
	opt2 := newFakeOptimizer()
	d2, err := NewDriver(cfg2, Options{Model: model2, Optimizer: opt2})
	require.NoError(t, err)

	assert.Equal(t, 3, d2.StartEpoch())
	assert.True(t, cfg2.Orchestration.ContinueRun)
	assert.NotEmpty(t, model2.loadedKeys)
	assert.True(t, opt2.loaded)
	assert.Equal(t, d1.ModelStringValue(), d2.ModelStringValue())

	_, err = d2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, model2.epochsRun)

	cp, err := storage.Load(filepath.Join(slotDir, storage.CheckpointFileName))
	require.NoError(t, err)
	assert.Len(t, cp.History().Losses, 4)
}

func mustTime(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, v)
	require.NoError(t, err)
	return ts
}

func TestModelStringEmbedsArchitectureAndTimestamp(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s := ModelString(cfg, mustTime(t, "2026-08-30T10:30:00Z"))
	assert.Contains(t, s, "n_1024")
	assert.Contains(t, s, "emsize_512")
	assert.Contains(t, s, "nlayers_12")
	assert.Contains(t, s, "08_30_2026_10_30_00")
}
