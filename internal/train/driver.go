package train

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arberzela/mothernet/internal/schedule"
	"github.com/arberzela/mothernet/pkg/config"
	"github.com/arberzela/mothernet/pkg/logger"
	"github.com/arberzela/mothernet/pkg/metrics"
	"github.com/arberzela/mothernet/pkg/storage"
	"github.com/arberzela/mothernet/pkg/tracking"
)

// Options carries the external collaborators the driver orchestrates.
type Options struct {
	Model     Model
	Optimizer Optimizer
	Sink      tracking.Sink
	Reporter  *tracking.Reporter
	Metrics   *metrics.TrainingMetrics
}

// Driver owns one training run end to end: resume reconciliation at
// startup, the epoch loop, per-epoch persistence and tracking, and the
// final on-exit checkpoint which fires exactly once on every exit path.
type Driver struct {
	cfg      *config.Config
	cfgMap   map[string]interface{}
	model    Model
	opt      Optimizer
	sched    *schedule.Scheduler
	ckpt     *storage.Manager
	sink     tracking.Sink
	reporter *tracking.Reporter
	metrics  *metrics.TrainingMetrics
	state    *TrainingState
	device   DeviceInfo

	startEpoch int
	exitOnce   sync.Once
}

// NewDriver resolves the run identity and builds the driver. When a warm
// start source is present the new and old configurations are reconciled
// before anything else is constructed, so every later step sees one
// effective configuration.
func NewDriver(cfg *config.Config, opts Options) (*Driver, error) {
	if opts.Model == nil || opts.Optimizer == nil {
		return nil, fmt.Errorf("driver requires a model and an optimizer")
	}

	d := &Driver{
		cfg:      cfg,
		model:    opts.Model,
		opt:      opts.Optimizer,
		sink:     opts.Sink,
		reporter: opts.Reporter,
		metrics:  opts.Metrics,
	}
	if d.sink == nil {
		d.sink = tracking.NoopSink{}
	}

	d.device = ResolveDevice(cfg.Device)
	ApplyDevice(cfg, d.device)

	if cfg.Optimizer.LearningRate == 0 {
		cfg.Optimizer.LearningRate = config.OpenAILearningRate(d.model.NumParams())
		logger.GetLogger().Infof("Using OpenAI max lr of %v.", cfg.Optimizer.LearningRate)
	}

	detectSlotResume(&cfg.Orchestration)

	newMap, err := config.ToMap(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot config: %w", err)
	}

	if cfg.Orchestration.WarmStartFrom != "" {
		if err := d.setupFromCheckpoint(newMap); err != nil {
			return nil, err
		}
	} else {
		if err := d.setupFresh(newMap); err != nil {
			return nil, err
		}
	}

	d.ckpt = storage.NewManager(&d.cfg.Orchestration, d.state.ModelString).WithMetrics(d.metrics)
	return d, nil
}

// detectSlotResume flips a run into continue mode when its single-slot
// checkpoint directory already holds a checkpoint, so preempted jobs resume
// without any flag changes.
func detectSlotResume(orch *config.OrchestrationConfig) {
	if orch.CheckpointDir == "" {
		return
	}
	if err := os.MkdirAll(orch.CheckpointDir, 0755); err != nil {
		logger.GetLogger().Errorf("Failed to create checkpoint directory %s: %v", orch.CheckpointDir, err)
		return
	}
	slot := filepath.Join(orch.CheckpointDir, storage.CheckpointFileName)
	if _, err := os.Stat(slot); err == nil {
		logger.GetLogger().Infof("Found checkpoint %s, continuing run", slot)
		orch.ContinueRun = true
		orch.WarmStartFrom = slot
	}
	orch.BasePath = orch.CheckpointDir
}

// setupFresh starts a brand-new run record.
func (d *Driver) setupFresh(newMap map[string]interface{}) error {
	modelString := ModelString(d.cfg, time.Now())
	newMap["model_string"] = modelString
	d.cfgMap = newMap
	d.state = NewTrainingState(modelString)
	d.startEpoch = 1

	sched, err := schedule.FromConfig(d.cfg.Optimizer, d.cfg.Orchestration.Epochs)
	if err != nil {
		return err
	}
	d.sched = sched
	return nil
}

// setupFromCheckpoint loads the warm-start checkpoint, reconciles the two
// configurations and restores whatever state the resume mode keeps.
func (d *Driver) setupFromCheckpoint(newMap map[string]interface{}) error {
	orch := d.cfg.Orchestration
	cp, err := storage.Load(orch.WarmStartFrom)
	if err != nil {
		return fmt.Errorf("failed to load warm start checkpoint: %w", err)
	}

	res, err := config.Reconcile(newMap, cp.Config, config.ReconcileOptions{
		ContinueRun:      orch.ContinueRun,
		CreateNewRun:     orch.CreateNewRun,
		RestartScheduler: orch.RestartScheduler,
		Device:           d.cfg.Device,
		WarmStartFrom:    orch.WarmStartFrom,
		StopAfterEpochs:  orch.StopAfterEpochs,
	})
	if err != nil {
		return err
	}
	for _, mismatch := range res.Mismatches {
		logger.GetLogger().Warnf("Config mismatch on resume: %s", mismatch)
	}
	d.cfgMap = res.Config

	effective, err := config.FromMap(res.Config)
	if err != nil {
		return fmt.Errorf("failed to rebuild config after reconcile: %w", err)
	}
	d.cfg = effective

	if err := d.model.LoadStateDict(cp.ModelState); err != nil {
		return fmt.Errorf("failed to load model state: %w", err)
	}

	if !orch.ContinueRun {
		// Warm start only: keep the weights, start a fresh run record.
		return d.setupFresh(d.cfgMap)
	}

	if err := d.opt.LoadStateDict(cp.OptimizerState); err != nil {
		return fmt.Errorf("failed to load optimizer state: %w", err)
	}

	modelString, _ := d.cfgMap["model_string"].(string)
	if modelString == "" {
		modelString = ModelString(d.cfg, time.Now())
		d.cfgMap["model_string"] = modelString
	}
	d.state = Resume(modelString, cp.History())
	d.startEpoch = d.state.Epochs() + 1

	sched, err := schedule.FromConfig(d.cfg.Optimizer, d.cfg.Orchestration.Epochs)
	if err != nil {
		return err
	}
	if res.KeepScheduler && cp.SchedulerState != nil {
		sched.Restore(*cp.SchedulerState)
	} else {
		logger.GetLogger().Info("Restarting learning rate scheduler from step 0")
	}
	d.sched = sched
	return nil
}

// UseSink swaps in a tracking sink after construction. The run identity the
// sink needs is only known once the driver has resolved it, so the trainer
// connects tracking between NewDriver and Run.
func (d *Driver) UseSink(sink tracking.Sink) {
	if sink != nil {
		d.sink = sink
	}
}

// ModelStringValue returns the resolved run identifier.
func (d *Driver) ModelStringValue() string { return d.state.ModelString }

// Device returns the resolved process placement.
func (d *Driver) Device() DeviceInfo { return d.device }

// StartEpoch returns the first epoch the loop will run, 1 for fresh runs.
func (d *Driver) StartEpoch() int { return d.startEpoch }

// Run executes the epoch loop until the epoch budget, the stop bound or the
// context ends it. The on-exit checkpoint fires on every return path,
// including epoch failure and cancellation.
func (d *Driver) Run(ctx context.Context) (final float64, err error) {
	defer d.fireExit()

	if d.device.IsMain() {
		d.ckpt.EpochStart()
		d.sink.LogParams(config.Flatten(d.cfgMap))
		d.sink.SetTag("model_string", d.state.ModelString)
		logger.GetLogger().Infof("Starting training of model %s", d.state.ModelString)
	}

	stop := d.cfg.Orchestration.Epochs
	if bound := d.cfg.Orchestration.StopAfterEpochs; bound > 0 {
		if capped := d.startEpoch - 1 + bound; capped < stop {
			stop = capped
		}
	}

	for epoch := d.startEpoch; epoch <= stop; epoch++ {
		if ctx.Err() != nil {
			logger.GetLogger().Infof("Training interrupted before epoch %d", epoch)
			break
		}

		groups := d.opt.Groups()
		rates := d.sched.Step(len(groups))
		for i, group := range groups {
			group.LR = rates[i]
		}

		began := time.Now()
		loss, epochErr := d.model.TrainEpoch(ctx)
		if epochErr != nil {
			return final, fmt.Errorf("epoch %d failed: %w", epoch, epochErr)
		}
		final = loss

		if d.sched.Observe(loss) && d.metrics != nil {
			d.metrics.SpikeReductions.Inc()
		}
		wallclock := d.state.Append(loss, rates[0])
		d.afterEpoch(epoch, loss, rates[0], wallclock, time.Since(began))
	}
	return final, nil
}

// afterEpoch runs the per-epoch side effects on the main process. A failure
// in any of them is contained here; training always proceeds to the next
// epoch.
func (d *Driver) afterEpoch(epoch int, loss, lr, wallclock float64, duration time.Duration) {
	if !d.device.IsMain() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.GetLogger().Errorf("Epoch %d callback panicked: %v", epoch, r)
		}
	}()

	d.ckpt.EpochEnd(epoch, d.state.History(), d.checkpoint())

	d.sink.LogMetric("loss", loss, epoch)
	d.sink.LogMetric("learning_rate", lr, epoch)
	d.sink.LogMetric("wallclock_time", wallclock, epoch)
	d.sink.LogMetric("wallclock_ticker", float64(tracking.WallclockTicker(wallclock)), epoch)

	if d.reporter != nil {
		d.reporter.Report(epoch, loss, wallclock)
	}
	if d.metrics != nil {
		d.metrics.ObserveEpoch(loss, lr, duration.Seconds())
	}
}

// fireExit persists the final checkpoint and closes the tracking run. It is
// idempotent and rank-gated; worker processes never write.
func (d *Driver) fireExit() {
	d.exitOnce.Do(func() {
		if !d.device.IsMain() {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				logger.GetLogger().Errorf("Exit checkpoint panicked: %v", r)
			}
		}()
		d.ckpt.Exit(d.state.History(), d.checkpoint())
		d.sink.Close()
	})
}

// checkpoint assembles the persisted tuple from the live collaborators.
func (d *Driver) checkpoint() *storage.Checkpoint {
	st := d.sched.State()
	return &storage.Checkpoint{
		ModelState:     d.model.StateDict(),
		OptimizerState: d.opt.StateDict(),
		SchedulerState: &st,
		Config:         d.cfgMap,
	}
}
