package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleConfig() map[string]interface{} {
	return map[string]interface{}{
		"device": "cpu",
		"optimizer": map[string]interface{}{
			"learning_rate": 0.001,
			"schedule":      "cosine",
		},
		"orchestration": map[string]interface{}{
			"epochs":     4000,
			"save_every": 50,
		},
	}
}

func TestDiffConfigsIdenticalIsClean(t *testing.T) {
	assert.Empty(t, DiffConfigs(sampleConfig(), sampleConfig(), ""))
}

func TestDiffConfigsReportsNestedMismatch(t *testing.T) {
	left := sampleConfig()
	right := sampleConfig()
	right["optimizer"].(map[string]interface{})["learning_rate"] = 0.01

	mismatches := DiffConfigs(left, right, "")
	require.Len(t, mismatches, 1)
	assert.Equal(t, "optimizer->learning_rate: new: 0.001, old: 0.01", mismatches[0])
}

func TestDiffConfigsReportsMissingKeys(t *testing.T) {
	left := sampleConfig()
	right := sampleConfig()
	left["extra"] = 1
	delete(right, "device")

	mismatches := DiffConfigs(left, right, "")
	assert.Contains(t, mismatches, "extra missing in old config")
	assert.Contains(t, mismatches, "device missing in new config")
}

func TestDiffConfigsSkipsRunDerivedKeys(t *testing.T) {
	left := sampleConfig()
	right := sampleConfig()
	right["losses"] = []interface{}{1.0, 2.0}
	right["epoch_in_training"] = 17
	right["num_features_used"] = 100

	assert.Empty(t, DiffConfigs(left, right, ""))
}

func TestReconcileRejectsCreateNewRunWithoutContinue(t *testing.T) {
	_, err := Reconcile(sampleConfig(), sampleConfig(), ReconcileOptions{CreateNewRun: true})
	require.Error(t, err)
	var cfgErr *Error
	assert.ErrorAs(t, err, &cfgErr)
}

func TestReconcileWithoutOldConfigUsesNew(t *testing.T) {
	newCfg := sampleConfig()
	res, err := Reconcile(newCfg, nil, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, newCfg, res.Config)
	assert.False(t, res.KeepScheduler)
}

func TestReconcileWarmStartKeepsNewConfig(t *testing.T) {
	newCfg := sampleConfig()
	oldCfg := sampleConfig()
	oldCfg["optimizer"].(map[string]interface{})["schedule"] = "exponential"

	res, err := Reconcile(newCfg, oldCfg, ReconcileOptions{ContinueRun: false})
	require.NoError(t, err)
	assert.Equal(t, newCfg, res.Config)
	assert.Len(t, res.Mismatches, 1)
	assert.False(t, res.KeepScheduler)
}

func TestReconcileContinueAdoptsOldConfigWithOverrides(t *testing.T) {
	newCfg := sampleConfig()
	newCfg["optimizer"].(map[string]interface{})["learning_rate"] = 0.5

	oldCfg := sampleConfig()
	res, err := Reconcile(newCfg, oldCfg, ReconcileOptions{
		ContinueRun:     true,
		Device:          "cuda:0",
		WarmStartFrom:   "/ckpt/run.json",
		StopAfterEpochs: 10,
	})
	require.NoError(t, err)

	// Old config wins outside the override allow-list.
	opt := res.Config["optimizer"].(map[string]interface{})
	assert.Equal(t, 0.001, opt["learning_rate"])

	assert.Equal(t, "cuda:0", res.Config["device"])
	orch := res.Config["orchestration"].(map[string]interface{})
	assert.Equal(t, "/ckpt/run.json", orch["warm_start_from"])
	assert.Equal(t, 10, orch["stop_after_epochs"])
	assert.Equal(t, true, orch["continue_run"])
	assert.True(t, res.KeepScheduler)

	// The merged config is a copy; the persisted one stays untouched.
	assert.NotContains(t, oldCfg["orchestration"].(map[string]interface{}), "continue_run")
}

func TestReconcileContinueWithItselfIsIdentityOutsideOverrides(t *testing.T) {
	oldCfg := sampleConfig()
	res, err := Reconcile(sampleConfig(), oldCfg, ReconcileOptions{
		ContinueRun: true,
		Device:      "cpu",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Mismatches)

	// Outside the override allow-list every field matches the old config.
	adopted := deepCopyMap(res.Config)
	delete(adopted["orchestration"].(map[string]interface{}), "warm_start_from")
	delete(adopted["orchestration"].(map[string]interface{}), "stop_after_epochs")
	delete(adopted["orchestration"].(map[string]interface{}), "continue_run")
	assert.Empty(t, DiffConfigs(adopted, oldCfg, ""))
}

func TestReconcileContinueRestartSchedulerDropsState(t *testing.T) {
	res, err := Reconcile(sampleConfig(), sampleConfig(), ReconcileOptions{
		ContinueRun:      true,
		RestartScheduler: true,
	})
	require.NoError(t, err)
	assert.False(t, res.KeepScheduler)
}

func TestFlattenProducesDottedScalars(t *testing.T) {
	cfg := sampleConfig()
	cfg["epoch_in_training"] = 40
	cfg["losses"] = []interface{}{1.0}

	flat := Flatten(cfg)
	assert.Equal(t, 0.001, flat["optimizer.learning_rate"])
	assert.Equal(t, "cpu", flat["device"])
	assert.NotContains(t, flat, "epoch_in_training")
	assert.NotContains(t, flat, "losses")
}
