// Package syncer runs synchronization from remote GitLab instances into
// the local cache and history, enforcing one active run per instance.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/cache"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/config"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/gitlab"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/registry"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
)

// DedupResetter clears per-instance webhook dedup state. Satisfied by
// the events deduplicator.
type DedupResetter interface {
	Reset(instanceID uint)
}

// Archiver receives terminal sync records. Satisfied by the archive
// package's implementations.
type Archiver interface {
	Archive(ctx context.Context, rec *store.SyncRecord) error
}

// Config is the runtime-tunable sync configuration.
type Config struct {
	BatchSize      int           `json:"batch_size"`
	Concurrency    int           `json:"concurrency"`
	Timeout        time.Duration `json:"-"`
	MaxRetries     int           `json:"max_retries"`
	RetryInterval  time.Duration `json:"-"`
	EnableAutoSync bool          `json:"enable_auto_sync"`
	SyncInterval   time.Duration `json:"-"`
}

// ConfigFrom converts the validated file configuration.
func ConfigFrom(c config.SyncConfig) Config {
	return Config{
		BatchSize:      c.BatchSize,
		Concurrency:    c.Concurrency,
		Timeout:        config.Duration(c.Timeout),
		MaxRetries:     c.MaxRetries,
		RetryInterval:  config.Duration(c.RetryInterval),
		EnableAutoSync: c.EnableAutoSync,
		SyncInterval:   config.Duration(c.SyncInterval),
	}
}

// ConfigUpdate carries the fields changed by a runtime update. Nil
// fields keep their current value.
type ConfigUpdate struct {
	BatchSize      *int
	Concurrency    *int
	Timeout        *time.Duration
	MaxRetries     *int
	RetryInterval  *time.Duration
	EnableAutoSync *bool
	SyncInterval   *time.Duration
}

// Orchestrator coordinates sync runs across instances.
type Orchestrator struct {
	log       logrus.FieldLogger
	db        store.Store
	cache     cache.Store
	instances *registry.Instances
	dedup     DedupResetter
	archiver  Archiver

	tracker *tracker

	cfgMu sync.RWMutex
	cfg   Config

	done   chan struct{}
	wg     sync.WaitGroup
	runsWG sync.WaitGroup
}

// New creates the orchestrator. dedup and archiver may be nil when the
// corresponding features are disabled.
func New(
	log logrus.FieldLogger,
	db store.Store,
	cacheStore cache.Store,
	instances *registry.Instances,
	dedup DedupResetter,
	archiver Archiver,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		log:       log.WithField("component", "syncer"),
		db:        db,
		cache:     cacheStore,
		instances: instances,
		dedup:     dedup,
		archiver:  archiver,
		tracker:   newTracker(),
		cfg:       cfg,
		done:      make(chan struct{}),
	}
}

// Start launches the auto-sync loop when enabled.
func (o *Orchestrator) Start() error {
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()

		o.autoSyncLoop()
	}()

	return nil
}

// Stop cancels in-flight runs and waits for them to settle.
func (o *Orchestrator) Stop() error {
	close(o.done)
	o.wg.Wait()

	insts, err := o.db.ListInstances(context.Background(), false)
	if err == nil {
		for i := range insts {
			o.tracker.stop(insts[i].ID)
		}
	}

	o.runsWG.Wait()

	return nil
}

// Config returns the current runtime sync configuration.
func (o *Orchestrator) Config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()

	return o.cfg
}

// UpdateConfig applies a runtime configuration change.
func (o *Orchestrator) UpdateConfig(upd ConfigUpdate) (Config, error) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	next := o.cfg

	if upd.BatchSize != nil {
		next.BatchSize = *upd.BatchSize
	}

	if upd.Concurrency != nil {
		next.Concurrency = *upd.Concurrency
	}

	if upd.Timeout != nil {
		next.Timeout = *upd.Timeout
	}

	if upd.MaxRetries != nil {
		next.MaxRetries = *upd.MaxRetries
	}

	if upd.RetryInterval != nil {
		next.RetryInterval = *upd.RetryInterval
	}

	if upd.EnableAutoSync != nil {
		next.EnableAutoSync = *upd.EnableAutoSync
	}

	if upd.SyncInterval != nil {
		next.SyncInterval = *upd.SyncInterval
	}

	if next.BatchSize <= 0 || next.Concurrency <= 0 {
		return Config{}, apperrors.Validation(
			"batch size and concurrency must be positive")
	}

	if next.Timeout <= 0 || next.SyncInterval <= 0 {
		return Config{}, apperrors.Validation(
			"timeout and sync interval must be positive")
	}

	if next.MaxRetries < 0 || next.RetryInterval < 0 {
		return Config{}, apperrors.Validation(
			"retry settings must not be negative")
	}

	o.cfg = next

	o.log.WithField("batch_size", next.BatchSize).
		WithField("auto_sync", next.EnableAutoSync).
		Info("Sync configuration updated")

	return next, nil
}

// StartSync begins an asynchronous sync run for the instance and
// returns the initial status. A second start while a run is pending or
// running fails with a conflict.
func (o *Orchestrator) StartSync(
	ctx context.Context, instanceID uint, syncType string, projectID int64,
) (Status, error) {
	switch syncType {
	case TypeIncremental, TypeFull, TypeUser:
	default:
		return Status{}, apperrors.Validation("unknown sync type %q", syncType)
	}

	inst, err := o.instances.GetActive(ctx, instanceID)
	if err != nil {
		return Status{}, err
	}

	cfg := o.Config()

	runCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)

	status, err := o.tracker.tryStart(
		instanceID, syncType, len(stepsFor(syncType)), cancel)
	if err != nil {
		cancel()

		return Status{}, err
	}

	o.runsWG.Add(1)

	go func() {
		defer o.runsWG.Done()
		defer cancel()

		o.execute(runCtx, inst, syncType, projectID, cfg)
	}()

	return status, nil
}

// Status returns the instance's current sync status.
func (o *Orchestrator) Status(instanceID uint) (Status, error) {
	status, ok := o.tracker.get(instanceID)
	if !ok {
		return Status{}, apperrors.NotFound(
			"no sync status for instance %d", instanceID)
	}

	return status, nil
}

// History returns the most recent terminal sync records.
func (o *Orchestrator) History(
	ctx context.Context, instanceID uint, limit int,
) ([]store.SyncRecord, error) {
	return o.db.ListSyncRecords(ctx, instanceID, limit)
}

// StopSync requests cancellation of the instance's running sync.
func (o *Orchestrator) StopSync(instanceID uint) error {
	if !o.tracker.stop(instanceID) {
		return apperrors.Validation(
			"no sync in progress for instance %d", instanceID)
	}

	o.log.WithField("instance", instanceID).Info("Sync stop requested")

	return nil
}

// Reset clears the instance's sync status and cached data.
func (o *Orchestrator) Reset(instanceID uint) {
	o.tracker.reset(instanceID)
	cache.InvalidateInstance(o.cache, instanceID)

	o.log.WithField("instance", instanceID).Info("Sync state reset")
}

// --- Run execution ---

type step struct {
	name string
	run  func(ctx context.Context, gw gitlab.Gateway, inst *store.Instance,
		projectID int64, cfg Config) (processed, succeeded, failed, skipped int, err error)
}

func stepsFor(syncType string) []string {
	switch syncType {
	case TypeUser:
		return []string{"users"}
	default:
		return []string{"projects", "users", "issues", "merge_requests"}
	}
}

func (o *Orchestrator) execute(
	ctx context.Context,
	inst *store.Instance,
	syncType string,
	projectID int64,
	cfg Config,
) {
	log := o.log.WithField("instance", inst.ID).WithField("sync_type", syncType)
	log.Info("Sync started")

	o.tracker.update(inst.ID, func(s *Status) { s.State = StateRunning })

	if syncType == TypeFull {
		// A full sync rebuilds from scratch: drop the cached view and
		// dedup state so re-delivered events are accepted again.
		cache.InvalidateInstance(o.cache, inst.ID)

		if o.dedup != nil {
			o.dedup.Reset(inst.ID)
		}
	}

	gw := o.instances.Gateway(inst)

	var (
		steps   = o.buildSteps(syncType)
		errs    []string
		stopped bool
	)

	for i, st := range steps {
		o.tracker.update(inst.ID, func(s *Status) {
			s.CurrentStep = st.name
			s.StepIndex = i + 1
		})

		processed, succeeded, failed, skipped, err := o.runStep(
			ctx, st, gw, inst, projectID, cfg)

		o.tracker.update(inst.ID, func(s *Status) {
			s.Processed += processed
			s.Succeeded += succeeded
			s.Failed += failed
			s.Skipped += skipped
		})

		if err != nil {
			if errors.Is(err, context.Canceled) {
				stopped = true

				break
			}

			errs = append(errs, fmt.Sprintf("%s: %v", st.name, err))

			log.WithError(err).WithField("step", st.name).Error("Sync step failed")

			break
		}
	}

	now := time.Now()

	var state string

	switch {
	case stopped:
		state = StateCancelled
	case len(errs) > 0:
		state = StateFailed
	default:
		state = StateCompleted
	}

	var final Status

	o.tracker.update(inst.ID, func(s *Status) {
		s.State = state
		s.CurrentStep = ""
		s.Errors = append(s.Errors, errs...)
		s.FinishedAt = &now
		final = *s
	})

	rec := o.record(inst.ID, syncType, final)

	if err := o.db.AppendSyncRecord(context.Background(), rec); err != nil {
		log.WithError(err).Error("Failed to append sync record")
	}

	if o.archiver != nil {
		if err := o.archiver.Archive(context.Background(), rec); err != nil {
			log.WithError(err).Warn("Failed to archive sync result")
		}
	}

	log.WithField("state", state).
		WithField("result", rec.Result).
		WithField("processed", rec.Processed).
		WithField("duration_ms", rec.DurationMS).
		Info("Sync finished")
}

// record builds the immutable history entry for a terminal run.
func (o *Orchestrator) record(
	instanceID uint, syncType string, final Status,
) *store.SyncRecord {
	var result string

	switch {
	case final.State == StateCancelled:
		result = store.ResultSkipped
	case final.Failed == 0 && len(final.Errors) == 0:
		result = store.ResultSuccess
	case final.Succeeded > 0:
		result = store.ResultPartial
	default:
		result = store.ResultFailure
	}

	errsJSON := "[]"
	if len(final.Errors) > 0 {
		if raw, err := json.Marshal(final.Errors); err == nil {
			errsJSON = string(raw)
		}
	}

	finished := time.Now()
	if final.FinishedAt != nil {
		finished = *final.FinishedAt
	}

	return &store.SyncRecord{
		InstanceID: instanceID,
		SyncType:   syncType,
		Result:     result,
		Processed:  final.Processed,
		Succeeded:  final.Succeeded,
		Failed:     final.Failed,
		Skipped:    final.Skipped,
		Errors:     errsJSON,
		StartedAt:  final.StartedAt,
		FinishedAt: finished,
		DurationMS: finished.Sub(final.StartedAt).Milliseconds(),
	}
}

func (o *Orchestrator) buildSteps(syncType string) []step {
	if syncType == TypeUser {
		return []step{{name: "users", run: o.syncUsers}}
	}

	return []step{
		{name: "projects", run: o.syncProjects},
		{name: "users", run: o.syncUsers},
		{name: "issues", run: o.syncIssues},
		{name: "merge_requests", run: o.syncMergeRequests},
	}
}

// runStep retries a whole step on transient failures before giving up.
func (o *Orchestrator) runStep(
	ctx context.Context,
	st step,
	gw gitlab.Gateway,
	inst *store.Instance,
	projectID int64,
	cfg Config,
) (processed, succeeded, failed, skipped int, err error) {
	for attempt := 0; ; attempt++ {
		processed, succeeded, failed, skipped, err = st.run(ctx, gw, inst, projectID, cfg)
		if err == nil || !apperrors.Retryable(err) || attempt >= cfg.MaxRetries {
			return processed, succeeded, failed, skipped, err
		}

		o.log.WithError(err).
			WithField("step", st.name).
			WithField("attempt", attempt+1).
			Warn("Retrying sync step")

		select {
		case <-time.After(cfg.RetryInterval):
		case <-ctx.Done():
			return processed, succeeded, failed, skipped, ctx.Err()
		}
	}
}

// --- Steps ---

func (o *Orchestrator) syncProjects(
	ctx context.Context, gw gitlab.Gateway, inst *store.Instance,
	_ int64, cfg Config,
) (int, int, int, int, error) {
	var all []gitlab.Project

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return len(all), len(all), 0, 0, err
		}

		batch, err := gw.GetProjects(ctx, gitlab.ListOptions{
			Page: page, PerPage: cfg.BatchSize,
		})
		if err != nil {
			return len(all), len(all), 0, 0, err
		}

		all = append(all, batch...)

		if len(batch) < cfg.BatchSize {
			break
		}
	}

	o.cacheSet(cache.Key(cache.KindProjects, inst.ID), all)

	return len(all), len(all), 0, 0, nil
}

func (o *Orchestrator) syncUsers(
	ctx context.Context, gw gitlab.Gateway, inst *store.Instance,
	_ int64, cfg Config,
) (int, int, int, int, error) {
	var all []gitlab.User

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return len(all), len(all), 0, 0, err
		}

		batch, err := gw.GetUsers(ctx, gitlab.ListOptions{
			Page: page, PerPage: cfg.BatchSize,
		})
		if err != nil {
			return len(all), len(all), 0, 0, err
		}

		all = append(all, batch...)

		if len(batch) < cfg.BatchSize {
			break
		}
	}

	o.cacheSet(cache.Key(cache.KindUsers, inst.ID), all)

	return len(all), len(all), 0, 0, nil
}

func (o *Orchestrator) syncIssues(
	ctx context.Context, gw gitlab.Gateway, inst *store.Instance,
	projectID int64, cfg Config,
) (int, int, int, int, error) {
	return o.syncProjectItems(ctx, inst, projectID, cfg, "issues",
		func(ctx context.Context, remoteID int64) (int, error) {
			count := 0

			for page := 1; ; page++ {
				batch, err := gw.GetIssues(ctx, remoteID, gitlab.ListOptions{
					Page: page, PerPage: cfg.BatchSize,
				})
				if err != nil {
					return count, err
				}

				count += len(batch)

				if len(batch) < cfg.BatchSize {
					return count, nil
				}
			}
		})
}

func (o *Orchestrator) syncMergeRequests(
	ctx context.Context, gw gitlab.Gateway, inst *store.Instance,
	projectID int64, cfg Config,
) (int, int, int, int, error) {
	return o.syncProjectItems(ctx, inst, projectID, cfg, "merge_requests",
		func(ctx context.Context, remoteID int64) (int, error) {
			count := 0

			for page := 1; ; page++ {
				batch, err := gw.GetMergeRequests(ctx, remoteID, gitlab.ListOptions{
					Page: page, PerPage: cfg.BatchSize,
				})
				if err != nil {
					return count, err
				}

				count += len(batch)

				if len(batch) < cfg.BatchSize {
					return count, nil
				}
			}
		})
}

// syncProjectItems fans out over the instance's sync-enabled project
// mappings with bounded concurrency. Mappings whose fetch fails count
// as failed without aborting the others; only cancellation aborts.
func (o *Orchestrator) syncProjectItems(
	ctx context.Context,
	inst *store.Instance,
	projectID int64,
	cfg Config,
	kind string,
	fetch func(ctx context.Context, remoteID int64) (int, error),
) (int, int, int, int, error) {
	mappings, err := o.db.ListProjectMappings(ctx, inst.ID)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	var targets []store.ProjectMapping

	for i := range mappings {
		m := mappings[i]
		if !m.Active || !m.SyncEnabled {
			continue
		}

		if projectID > 0 && m.RemoteID != projectID {
			continue
		}

		targets = append(targets, m)
	}

	var (
		mu        sync.Mutex
		processed int
		succeeded int
		failed    int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	for i := range targets {
		m := targets[i]

		g.Go(func() error {
			count, err := fetch(gctx, m.RemoteID)

			mu.Lock()
			defer mu.Unlock()

			processed += count

			if err != nil {
				failed++

				if errors.Is(err, context.Canceled) {
					return err
				}

				o.log.WithError(err).
					WithField("instance", inst.ID).
					WithField("remote_project", m.RemoteID).
					WithField("kind", kind).
					Warn("Project item sync failed")

				return nil
			}

			succeeded += count

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return processed, succeeded, failed, 0, err
	}

	return processed, succeeded, failed, 0, nil
}

func (o *Orchestrator) cacheSet(key string, value any) {
	o.cache.Set(key, value, 0)
}

// --- Auto sync ---

func (o *Orchestrator) autoSyncLoop() {
	for {
		interval := o.Config().SyncInterval

		select {
		case <-time.After(interval):
		case <-o.done:
			return
		}

		if !o.Config().EnableAutoSync {
			continue
		}

		o.autoSyncTick()
	}
}

func (o *Orchestrator) autoSyncTick() {
	ctx := context.Background()

	insts, err := o.instances.List(ctx, true)
	if err != nil {
		o.log.WithError(err).Error("Auto-sync could not list instances")

		return
	}

	for i := range insts {
		_, err := o.StartSync(ctx, insts[i].ID, TypeIncremental, 0)
		if err != nil && !apperrors.IsCode(err, apperrors.CodeSyncInProgress) {
			o.log.WithError(err).
				WithField("instance", insts[i].ID).
				Warn("Auto-sync start failed")
		}
	}
}
