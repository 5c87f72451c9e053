// Package storage persists and prunes training checkpoints. A checkpoint is
// a self-describing JSON tuple of model parameters, optimizer state,
// scheduler state and the full run configuration, so a run can resume from
// the file alone.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/arberzela/mothernet/internal/schedule"
	"github.com/arberzela/mothernet/pkg/config"
	"github.com/arberzela/mothernet/pkg/logger"
	"github.com/arberzela/mothernet/pkg/metrics"
)

// CheckpointFileName is the well-known single-slot file name. Its presence in
// a checkpoint directory flips a run from "new" to "continue".
const CheckpointFileName = "checkpoint.json"

// minFreeBytes is the disk-space safety threshold below which checkpoint
// writes are skipped rather than risking a full volume mid-run.
const minFreeBytes = 2 * 1024 * 1024 * 1024

// modulePrefix is the distributed-training wrapper prefix stripped from
// parameter names so checkpoints load into non-distributed models.
const modulePrefix = "module."

// Checkpoint is the persisted tuple written at epoch boundaries.
type Checkpoint struct {
	ModelState     map[string][]float64   `json:"model_state"`
	OptimizerState map[string]interface{} `json:"optimizer_state"`
	SchedulerState *schedule.State        `json:"scheduler_state,omitempty"`
	Config         map[string]interface{} `json:"config"`
}

// RunHistory is the live per-epoch record of a run: three parallel sequences
// of equal length where index i belongs to epoch i+1.
type RunHistory struct {
	Losses         []float64
	LearningRates  []float64
	WallclockTimes []float64
}

// Manager decides when checkpoints are written, guards writes against low
// disk space and prunes dominated older checkpoints. Every failure inside it
// is caught and logged; nothing propagates into the training loop.
type Manager struct {
	basePath    string
	modelString string
	saveEvery   int

	// singleSlotDir, when set, redirects periodic writes to one fixed path
	// that is overwritten in place (preemption-resume slot).
	singleSlotDir string

	snapshotWritten bool

	// metrics is optional; when set, checkpoint decisions are counted.
	metrics *metrics.TrainingMetrics

	// freeBytes is swappable for tests.
	freeBytes func(path string) (uint64, error)
}

// NewManager builds a checkpoint manager for one run.
func NewManager(orch *config.OrchestrationConfig, modelString string) *Manager {
	return &Manager{
		basePath:      orch.BasePath,
		modelString:   modelString,
		saveEvery:     orch.SaveEvery,
		singleSlotDir: orch.CheckpointDir,
		freeBytes:     statfsFree,
	}
}

// WithMetrics attaches the training collectors so checkpoint decisions show
// up on the metrics endpoint.
func (m *Manager) WithMetrics(tm *metrics.TrainingMetrics) *Manager {
	m.metrics = tm
	return m
}

// LogFile returns the per-run text log path.
func (m *Manager) LogFile() string {
	return filepath.Join(m.basePath, "log", m.modelString+".log")
}

// modelsDir holds the timestamped periodic checkpoints.
func (m *Manager) modelsDir() string {
	return filepath.Join(m.basePath, "models_diff")
}

func (m *Manager) epochPath(epoch int) string {
	return filepath.Join(m.modelsDir(), fmt.Sprintf("%s_epoch_%d.json", m.modelString, epoch))
}

func (m *Manager) exitPath() string {
	return filepath.Join(m.modelsDir(), fmt.Sprintf("%s_epoch_on_exit.json", m.modelString))
}

// SingleSlot reports whether the manager writes to one fixed resume path.
func (m *Manager) SingleSlot() bool {
	return m.singleSlotDir != ""
}

// EpochStart appends the run banner line. No checkpoint is written.
func (m *Manager) EpochStart() {
	m.appendLog(fmt.Sprintf("Starting training of model %s\n", m.modelString))
}

// EpochEnd handles the boundary of a finished epoch: it appends the log
// line, writes a periodic checkpoint when the epoch hits the save interval
// and prunes dominated older checkpoints afterwards.
func (m *Manager) EpochEnd(epoch int, hist RunHistory, cp *Checkpoint) {
	if len(hist.Losses) == 0 {
		return
	}
	loss := hist.Losses[len(hist.Losses)-1]
	lr := hist.LearningRates[len(hist.LearningRates)-1]
	m.appendLog(fmt.Sprintf("Epoch %d loss %v learning_rate %v\n", epoch, loss, lr))

	if epoch%m.saveEvery != 0 {
		return
	}

	path := m.epochPath(epoch)
	if m.SingleSlot() {
		path = filepath.Join(m.singleSlotDir, CheckpointFileName)
	}
	if !m.save(path, epoch, hist, cp) {
		return
	}
	if m.SingleSlot() {
		return
	}
	m.prune(epoch, hist.Losses)
}

// Exit writes the final on-exit checkpoint. In single-slot mode the slot
// already holds the latest state, so nothing is written.
func (m *Manager) Exit(hist RunHistory, cp *Checkpoint) {
	if m.SingleSlot() || len(hist.Losses) == 0 {
		return
	}
	m.save(m.exitPath(), len(hist.Losses), hist, cp)
}

// save performs one guarded checkpoint write. It reports whether a file was
// actually written; every failure degrades to a logged warning.
func (m *Manager) save(path string, epoch int, hist RunHistory, cp *Checkpoint) bool {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.GetLogger().Errorf("Failed to create checkpoint directory %s: %v", dir, err)
		return false
	}

	free, err := m.freeBytes(dir)
	if err != nil {
		logger.GetLogger().Warnf("Failed to check disk space for %s: %v", dir, err)
	} else if free < minFreeBytes {
		logger.GetLogger().Warnf("Not saving model, not enough disk space (%d bytes free)", free)
		if m.metrics != nil {
			m.metrics.CheckpointsSkipped.Inc()
		}
		return false
	}

	m.appendLog(fmt.Sprintf("Saving model to %s\n", path))
	logger.GetLogger().Infof("Saving model to %s", path)

	// The config snapshot carries the run history so the checkpoint is
	// self-describing.
	cp.Config["epoch_in_training"] = epoch
	cp.Config["learning_rates"] = hist.LearningRates
	cp.Config["losses"] = hist.Losses
	cp.Config["wallclock_times"] = hist.WallclockTimes

	if err := writeAtomic(path, cp); err != nil {
		logger.GetLogger().Errorf("Writing to model file failed: %v", err)
		return false
	}

	if !m.snapshotWritten {
		m.writeConfigSnapshot(cp.Config)
		m.snapshotWritten = true
	}
	if m.metrics != nil {
		m.metrics.CheckpointsSaved.Inc()
	}
	return true
}

// prune removes earlier periodic checkpoints whose recorded loss is strictly
// worse than the current one. The comparison is pairwise against each
// bucket, not against a global best. Deletion is best-effort.
func (m *Manager) prune(epoch int, losses []float64) {
	if epoch-m.saveEvery <= 0 {
		return
	}
	current := losses[len(losses)-1]
	for i := 1; i*m.saveEvery < epoch; i++ {
		bucket := i * m.saveEvery
		if bucket > len(losses) {
			break
		}
		bucketLoss := losses[bucket-1]
		oldPath := m.epochPath(bucket)
		if _, err := os.Stat(oldPath); err != nil {
			continue
		}
		if bucketLoss > current {
			logger.GetLogger().Infof("Removing old model file %s", oldPath)
			if err := os.Remove(oldPath); err != nil {
				logger.GetLogger().Errorf("Failed to remove old model file %s: %v", oldPath, err)
			} else if m.metrics != nil {
				m.metrics.CheckpointsPruned.Inc()
			}
		} else {
			logger.GetLogger().Infof("Not removing old model file %s because loss is too high (%v < %v)", oldPath, bucketLoss, current)
		}
	}
}

// appendLog appends one line to the per-run text log. Log failures are
// reported but never abort training.
func (m *Manager) appendLog(line string) {
	logFile := m.LogFile()
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		logger.GetLogger().Errorf("Failed to create log directory: %v", err)
		return
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.GetLogger().Errorf("Failed to write to log file %s: %v", logFile, err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		logger.GetLogger().Errorf("Failed to write to log file %s: %v", logFile, err)
	}
}

// writeConfigSnapshot drops the resolved run configuration next to the run
// log for operator inspection.
func (m *Manager) writeConfigSnapshot(cfg map[string]interface{}) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		logger.GetLogger().Warnf("Failed to render config snapshot: %v", err)
		return
	}
	path := filepath.Join(m.basePath, "log", m.modelString+"_config.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		logger.GetLogger().Warnf("Failed to write config snapshot %s: %v", path, err)
	}
}

// writeAtomic writes to a temporary file and renames it into place so a
// crash mid-write never leaves a truncated checkpoint behind.
func writeAtomic(path string, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp checkpoint file: %w", err)
	}
	return nil
}

// Load reads a checkpoint from disk. Parameter names carrying the
// distributed-training module prefix are normalized so the state applies to
// a non-distributed model.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if cp.ModelState != nil {
		normalized := make(map[string][]float64, len(cp.ModelState))
		for name, params := range cp.ModelState {
			normalized[strings.TrimPrefix(name, modulePrefix)] = params
		}
		cp.ModelState = normalized
	}
	if cp.Config == nil {
		return nil, fmt.Errorf("checkpoint %s carries no config snapshot", path)
	}
	return &cp, nil
}

// History extracts the persisted run history from a checkpoint's config
// snapshot.
func (cp *Checkpoint) History() RunHistory {
	return RunHistory{
		Losses:         floatSlice(cp.Config["losses"]),
		LearningRates:  floatSlice(cp.Config["learning_rates"]),
		WallclockTimes: floatSlice(cp.Config["wallclock_times"]),
	}
}

func floatSlice(v interface{}) []float64 {
	switch vals := v.(type) {
	case []float64:
		return vals
	case []interface{}:
		out := make([]float64, 0, len(vals))
		for _, x := range vals {
			if f, ok := x.(float64); ok {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}

func statfsFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
