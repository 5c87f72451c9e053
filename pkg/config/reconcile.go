package config

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/arberzela/mothernet/pkg/logger"
)

// runDerivedKeys are appended or computed during training and therefore
// excluded from the structural diff between a fresh and a persisted config.
var runDerivedKeys = map[string]bool{
	"losses":                         true,
	"learning_rates":                 true,
	"wallclock_times":                true,
	"epoch_in_training":              true,
	"bptt_extra_samples":             true,
	"num_classes":                    true,
	"differentiable_hyperparameters": true,
	"num_features_used":              true,
}

// ReconcileOptions carries the invocation-time values that may override a
// persisted configuration when resuming.
type ReconcileOptions struct {
	ContinueRun      bool
	CreateNewRun     bool
	RestartScheduler bool

	Device          string
	WarmStartFrom   string
	StopAfterEpochs int
}

// ReconcileResult is the effective configuration for the run plus what the
// reconciler decided about scheduler state.
type ReconcileResult struct {
	Config map[string]interface{}

	// Mismatches lists the structural differences found between the fresh
	// and persisted configs when warm starting with new settings.
	Mismatches []string

	// KeepScheduler reports whether the checkpoint's scheduler state should
	// be restored rather than rebuilt.
	KeepScheduler bool
}

// Reconcile merges a freshly parsed configuration with a previously persisted
// one. When continuing a run the old config is adopted wholesale and only a
// fixed allow-list of invocation values is overwritten. When warm starting
// without continuing, the new config wins and differences are only reported.
func Reconcile(newCfg, oldCfg map[string]interface{}, opts ReconcileOptions) (*ReconcileResult, error) {
	if opts.CreateNewRun && !opts.ContinueRun {
		return nil, Errorf("specifying create-new-run makes no sense when not continuing run")
	}

	if oldCfg == nil {
		return &ReconcileResult{Config: newCfg, KeepScheduler: false}, nil
	}

	if !opts.ContinueRun {
		logger.GetLogger().Warn("Warm starting with new settings")
		mismatches := DiffConfigs(newCfg, oldCfg, "")
		for _, m := range mismatches {
			logger.GetLogger().Warnf("config mismatch: %s", m)
		}
		return &ReconcileResult{Config: newCfg, Mismatches: mismatches, KeepScheduler: false}, nil
	}

	merged := deepCopyMap(oldCfg)
	merged["device"] = opts.Device
	setNested(merged, "orchestration", "warm_start_from", opts.WarmStartFrom)
	setNested(merged, "orchestration", "stop_after_epochs", opts.StopAfterEpochs)
	setNested(merged, "orchestration", "continue_run", true)

	return &ReconcileResult{Config: merged, KeepScheduler: !opts.RestartScheduler}, nil
}

// DiffConfigs compares two nested configuration maps recursively and returns
// a description of every mismatched or missing key. Run-derived keys are
// skipped at every level.
func DiffConfigs(left, right map[string]interface{}, prefix string) []string {
	var mismatches []string

	keys := make(map[string]bool, len(left)+len(right))
	for k := range left {
		keys[k] = true
	}
	for k := range right {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		if runDerivedKeys[k] {
			continue
		}
		lv, inLeft := left[k]
		rv, inRight := right[k]
		if !inLeft {
			mismatches = append(mismatches, fmt.Sprintf("%s%s missing in new config", prefix, k))
			continue
		}
		if !inRight {
			mismatches = append(mismatches, fmt.Sprintf("%s%s missing in old config", prefix, k))
			continue
		}
		lm, lok := lv.(map[string]interface{})
		rm, rok := rv.(map[string]interface{})
		if lok && rok {
			mismatches = append(mismatches, DiffConfigs(lm, rm, prefix+k+"->")...)
			continue
		}
		if !reflect.DeepEqual(lv, rv) {
			mismatches = append(mismatches, fmt.Sprintf("%s%s: new: %v, old: %v", prefix, k, lv, rv))
		}
	}
	return mismatches
}

// Flatten converts a nested configuration map into a flat map of dotted keys
// to scalar values, for reporting as tracking parameters. Non-scalar leaves
// and the in-training epoch marker are dropped.
func Flatten(cfg map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{})
	flattenInto(flat, cfg, "")
	return flat
}

func flattenInto(flat map[string]interface{}, m map[string]interface{}, prefix string) {
	for k, v := range m {
		if k == "epoch_in_training" {
			continue
		}
		key := prefix + k
		switch val := v.(type) {
		case map[string]interface{}:
			flattenInto(flat, val, key+".")
		case string, bool, float64, int, int64:
			flat[key] = val
		}
	}
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopyMap(sub)
			continue
		}
		if list, ok := v.([]interface{}); ok {
			copied := make([]interface{}, len(list))
			copy(copied, list)
			out[k] = copied
			continue
		}
		out[k] = v
	}
	return out
}

func setNested(m map[string]interface{}, group, key string, value interface{}) {
	sub, ok := m[group].(map[string]interface{})
	if !ok {
		sub = make(map[string]interface{})
		m[group] = sub
	}
	sub[key] = value
}
