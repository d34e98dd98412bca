package syncer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/cache"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/cipher"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/config"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/gitlab"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/gitlab/gitlabtest"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/registry"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/syncer"
)

// blockingGateway holds GetProjects until released so tests can observe
// a run in its running state.
type blockingGateway struct {
	*gitlabtest.Fake

	release chan struct{}
}

func (g *blockingGateway) GetProjects(
	ctx context.Context, opts gitlab.ListOptions,
) ([]gitlab.Project, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return g.Fake.GetProjects(ctx, opts)
}

// failingIssuesGateway errors issue fetches for one remote project.
type failingIssuesGateway struct {
	*gitlabtest.Fake

	failProject int64
}

func (g *failingIssuesGateway) GetIssues(
	ctx context.Context, projectID int64, opts gitlab.ListOptions,
) ([]gitlab.Issue, error) {
	if projectID == g.failProject {
		return nil, apperrors.Connection(nil, "remote unreachable")
	}

	return g.Fake.GetIssues(ctx, projectID, opts)
}

type dedupSpy struct {
	mu    sync.Mutex
	reset []uint
}

func (d *dedupSpy) Reset(instanceID uint) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reset = append(d.reset, instanceID)
}

func (d *dedupSpy) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.reset)
}

type fixture struct {
	db        store.Store
	cache     cache.Store
	instances *registry.Instances
	dedup     *dedupSpy
	orch      *syncer.Orchestrator
}

func testConfig() syncer.Config {
	return syncer.Config{
		BatchSize:     50,
		Concurrency:   2,
		Timeout:       5 * time.Second,
		MaxRetries:    0,
		RetryInterval: time.Millisecond,
		SyncInterval:  time.Hour,
	}
}

func setup(t *testing.T, gw gitlab.Gateway) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	db := store.New(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, db.Start(context.Background()))
	t.Cleanup(func() { _ = db.Stop() })

	cacheStore := cache.New(log, true, time.Minute, 0)

	instances := registry.NewInstances(
		log, db, cacheStore, cipher.New(log, "test-secret"),
		func(baseURL, token string) gitlab.Gateway { return gw },
	)

	dedup := &dedupSpy{}
	orch := syncer.New(log, db, cacheStore, instances, dedup, nil, testConfig())
	t.Cleanup(func() { _ = orch.Stop() })

	return &fixture{
		db:        db,
		cache:     cacheStore,
		instances: instances,
		dedup:     dedup,
		orch:      orch,
	}
}

func createInstance(t *testing.T, f *fixture) *store.Instance {
	t.Helper()

	inst, err := f.instances.Create(context.Background(), registry.InstanceInput{
		Name:     "primary",
		BaseURL:  "https://gitlab.example.com",
		APIToken: "token",
	})
	require.NoError(t, err)

	return inst
}

func addMapping(t *testing.T, f *fixture, instanceID uint, remoteID int64) {
	t.Helper()

	require.NoError(t, f.db.CreateProjectMapping(context.Background(),
		&store.ProjectMapping{
			LocalProjectID: "proj-1",
			InstanceID:     instanceID,
			RemoteID:       remoteID,
			SyncEnabled:    true,
			Active:         true,
		}))
}

func waitTerminal(t *testing.T, f *fixture, instanceID uint) syncer.Status {
	t.Helper()

	var status syncer.Status

	require.Eventually(t, func() bool {
		s, err := f.orch.Status(instanceID)
		if err != nil {
			return false
		}

		status = s

		switch s.State {
		case syncer.StateCompleted, syncer.StateFailed, syncer.StateCancelled:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	return status
}

func TestIncrementalSyncCompletes(t *testing.T) {
	fake := gitlabtest.New()
	fake.Projects[42] = &gitlab.Project{ID: 42, PathWithNamespace: "team/app"}
	fake.Users[1] = &gitlab.User{ID: 1, Username: "alice"}
	fake.Issues[42] = []gitlab.Issue{{ID: 10, IID: 1, ProjectID: 42}}
	fake.MergeRequests[42] = []gitlab.MergeRequest{{ID: 20, IID: 1, ProjectID: 42}}

	f := setup(t, fake)
	inst := createInstance(t, f)
	addMapping(t, f, inst.ID, 42)

	status, err := f.orch.StartSync(
		context.Background(), inst.ID, syncer.TypeIncremental, 0)
	require.NoError(t, err)
	assert.Equal(t, syncer.StatePending, status.State)
	assert.Equal(t, 4, status.TotalSteps)

	final := waitTerminal(t, f, inst.ID)
	assert.Equal(t, syncer.StateCompleted, final.State)
	assert.Equal(t, 4, final.StepIndex)
	assert.Equal(t, 100, final.Progress)
	// 1 project + 1 user + 1 issue + 1 merge request.
	assert.Equal(t, 4, final.Processed)
	assert.Zero(t, final.Failed)

	history, err := f.orch.History(context.Background(), inst.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.ResultSuccess, history[0].Result)

	// The synced view lands in the cache.
	_, ok := f.cache.Get(cache.Key(cache.KindProjects, inst.ID))
	assert.True(t, ok)
}

func TestConcurrentSyncConflict(t *testing.T) {
	gw := &blockingGateway{Fake: gitlabtest.New(), release: make(chan struct{})}
	f := setup(t, gw)
	inst := createInstance(t, f)

	_, err := f.orch.StartSync(
		context.Background(), inst.ID, syncer.TypeIncremental, 0)
	require.NoError(t, err)

	// Any second start is a conflict, even for a different sync type.
	_, err = f.orch.StartSync(context.Background(), inst.ID, syncer.TypeFull, 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeSyncInProgress))

	close(gw.release)

	final := waitTerminal(t, f, inst.ID)
	assert.Equal(t, syncer.StateCompleted, final.State)

	// A terminal run frees the slot.
	_, err = f.orch.StartSync(
		context.Background(), inst.ID, syncer.TypeIncremental, 0)
	require.NoError(t, err)
}

func TestStopSyncCancels(t *testing.T) {
	gw := &blockingGateway{Fake: gitlabtest.New(), release: make(chan struct{})}
	f := setup(t, gw)
	inst := createInstance(t, f)

	_, err := f.orch.StartSync(
		context.Background(), inst.ID, syncer.TypeIncremental, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := f.orch.Status(inst.ID)

		return err == nil && s.State == syncer.StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.StopSync(inst.ID))

	final := waitTerminal(t, f, inst.ID)
	assert.Equal(t, syncer.StateCancelled, final.State)

	history, err := f.orch.History(context.Background(), inst.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.ResultSkipped, history[0].Result)

	// Nothing left to stop.
	err = f.orch.StopSync(inst.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestFailedStepClassifiesRun(t *testing.T) {
	fake := gitlabtest.New()
	fake.Err = apperrors.Connection(nil, "remote down")

	f := setup(t, fake)
	inst := createInstance(t, f)

	_, err := f.orch.StartSync(
		context.Background(), inst.ID, syncer.TypeIncremental, 0)
	require.NoError(t, err)

	final := waitTerminal(t, f, inst.ID)
	assert.Equal(t, syncer.StateFailed, final.State)
	require.NotEmpty(t, final.Errors)

	// The first of four steps failed, so progress stays below 100.
	assert.Equal(t, 25, final.Progress)

	history, err := f.orch.History(context.Background(), inst.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.ResultFailure, history[0].Result)
	assert.Contains(t, history[0].Errors, "projects")
}

func TestPartialResultOnPerProjectFailure(t *testing.T) {
	fake := gitlabtest.New()
	fake.Projects[42] = &gitlab.Project{ID: 42, PathWithNamespace: "team/app"}
	fake.Projects[43] = &gitlab.Project{ID: 43, PathWithNamespace: "team/other"}
	fake.Users[1] = &gitlab.User{ID: 1, Username: "alice"}
	fake.Issues[42] = []gitlab.Issue{{ID: 10, IID: 1, ProjectID: 42}}

	gw := &failingIssuesGateway{Fake: fake, failProject: 43}

	f := setup(t, gw)
	inst := createInstance(t, f)
	addMapping(t, f, inst.ID, 42)

	require.NoError(t, f.db.CreateProjectMapping(context.Background(),
		&store.ProjectMapping{
			LocalProjectID: "proj-2",
			InstanceID:     inst.ID,
			RemoteID:       43,
			SyncEnabled:    true,
			Active:         true,
		}))

	_, err := f.orch.StartSync(
		context.Background(), inst.ID, syncer.TypeIncremental, 0)
	require.NoError(t, err)

	final := waitTerminal(t, f, inst.ID)
	assert.Equal(t, syncer.StateCompleted, final.State)
	assert.Equal(t, 1, final.Failed)
	assert.Positive(t, final.Succeeded)

	history, err := f.orch.History(context.Background(), inst.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.ResultPartial, history[0].Result)
}

func TestUserSyncRunsSingleStep(t *testing.T) {
	fake := gitlabtest.New()
	fake.Users[1] = &gitlab.User{ID: 1, Username: "alice"}
	fake.Users[2] = &gitlab.User{ID: 2, Username: "bob"}

	f := setup(t, fake)
	inst := createInstance(t, f)

	status, err := f.orch.StartSync(
		context.Background(), inst.ID, syncer.TypeUser, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, status.TotalSteps)

	final := waitTerminal(t, f, inst.ID)
	assert.Equal(t, syncer.StateCompleted, final.State)
	assert.Equal(t, 2, final.Processed)
}

func TestFullSyncClearsCacheAndDedup(t *testing.T) {
	fake := gitlabtest.New()
	f := setup(t, fake)
	inst := createInstance(t, f)

	f.cache.Set(cache.Key(cache.KindProjects, inst.ID), "stale", 0)

	_, err := f.orch.StartSync(
		context.Background(), inst.ID, syncer.TypeFull, 0)
	require.NoError(t, err)

	final := waitTerminal(t, f, inst.ID)
	assert.Equal(t, syncer.StateCompleted, final.State)
	assert.Equal(t, 1, f.dedup.count())

	// The stale entry was dropped before the rebuild wrote fresh data.
	got, ok := f.cache.Get(cache.Key(cache.KindProjects, inst.ID))
	require.True(t, ok)
	assert.NotEqual(t, "stale", got)
}

func TestStartSyncValidation(t *testing.T) {
	f := setup(t, gitlabtest.New())
	inst := createInstance(t, f)

	_, err := f.orch.StartSync(context.Background(), inst.ID, "bogus", 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, err = f.orch.StartSync(context.Background(), 999, syncer.TypeIncremental, 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestResetClearsStatus(t *testing.T) {
	fake := gitlabtest.New()
	f := setup(t, fake)
	inst := createInstance(t, f)

	_, err := f.orch.StartSync(
		context.Background(), inst.ID, syncer.TypeIncremental, 0)
	require.NoError(t, err)
	waitTerminal(t, f, inst.ID)

	f.orch.Reset(inst.ID)

	_, err = f.orch.Status(inst.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestUpdateConfig(t *testing.T) {
	f := setup(t, gitlabtest.New())

	batch := 100
	auto := true
	updated, err := f.orch.UpdateConfig(syncer.ConfigUpdate{
		BatchSize:      &batch,
		EnableAutoSync: &auto,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, updated.BatchSize)
	assert.True(t, updated.EnableAutoSync)
	assert.Equal(t, 100, f.orch.Config().BatchSize)

	bad := 0
	_, err = f.orch.UpdateConfig(syncer.ConfigUpdate{BatchSize: &bad})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	// Rejected updates leave the config untouched.
	assert.Equal(t, 100, f.orch.Config().BatchSize)
}
