package epic_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/cache"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/cipher"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/config"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/epic"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/gitlab"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/gitlab/gitlabtest"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/registry"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
)

func TestPriorityLabelRoundTrip(t *testing.T) {
	assert.Equal(t, "priority:high", epic.PriorityLabel("high"))
	assert.Equal(t, "high", epic.ParsePriority([]string{"feature_module", "priority:high"}))

	// Labels outside the grammar carry no priority.
	assert.Empty(t, epic.ParsePriority([]string{"prio:high", "urgent"}))
	assert.Empty(t, epic.ParsePriority([]string{"priority:"}))
	assert.Empty(t, epic.ParsePriority(nil))
}

func TestInferEntityType(t *testing.T) {
	cases := []struct {
		name   string
		labels []string
		title  string
		want   string
	}{
		{"label wins", []string{"requirement"}, "anything", store.EntityRequirement},
		{"label beats title", []string{"subsystem"}, "login requirement", store.EntitySubsystem},
		{"title requirement", nil, "Login Requirement", store.EntityRequirement},
		{"title chinese requirement", nil, "登录需求", store.EntityRequirement},
		{"title subsystem", nil, "Auth subsystem", store.EntitySubsystem},
		{"title chinese subsystem", nil, "认证子系统", store.EntitySubsystem},
		{"default", nil, "Checkout flow", store.EntityFeatureModule},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, epic.InferEntityType(tc.labels, tc.title))
		})
	}
}

func TestStateMapping(t *testing.T) {
	assert.Equal(t, epic.EntityStateOpen, epic.EntityState(gitlab.EpicStateOpened))
	assert.Equal(t, epic.EntityStateClosed, epic.EntityState(gitlab.EpicStateClosed))

	assert.Equal(t, "close", epic.EpicStateEvent(epic.EntityStateClosed, gitlab.EpicStateOpened))
	assert.Equal(t, "reopen", epic.EpicStateEvent(epic.EntityStateOpen, gitlab.EpicStateClosed))
	assert.Empty(t, epic.EpicStateEvent(epic.EntityStateOpen, gitlab.EpicStateOpened))
	assert.Empty(t, epic.EpicStateEvent(epic.EntityStateClosed, gitlab.EpicStateClosed))
}

// --- Bridge ---

type fixture struct {
	db     store.Store
	fake   *gitlabtest.Fake
	bridge *epic.Bridge
	inst   *store.Instance
}

func setup(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	db := store.New(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, db.Start(context.Background()))
	t.Cleanup(func() { _ = db.Stop() })

	fake := gitlabtest.New()
	fake.Groups[7] = &gitlab.Group{ID: 7, FullPath: "team"}

	cacheStore := cache.New(log, true, time.Minute, 0)
	instances := registry.NewInstances(
		log, db, cacheStore, cipher.New(log, "test-secret"),
		func(baseURL, token string) gitlab.Gateway { return fake },
	)
	mappings := registry.NewMappings(log, db, cacheStore, instances)

	inst, err := instances.Create(context.Background(), registry.InstanceInput{
		Name:     "primary",
		BaseURL:  "https://gitlab.example.com",
		APIToken: "token",
	})
	require.NoError(t, err)

	_, err = mappings.Create(context.Background(), registry.KindGroup,
		registry.MappingInput{
			LocalProjectID: "proj-1",
			InstanceID:     inst.ID,
			RemoteID:       7,
		})
	require.NoError(t, err)

	return &fixture{
		db:     db,
		fake:   fake,
		bridge: epic.NewBridge(log, db, instances, mappings),
		inst:   inst,
	}
}

func createEntity(t *testing.T, f *fixture) *store.PlanningEntity {
	t.Helper()

	entity := &store.PlanningEntity{
		ID:             "req-1",
		LocalProjectID: "proj-1",
		EntityType:     store.EntityRequirement,
		Title:          "Login requirement",
		Description:    "Users sign in with SSO",
		Status:         epic.EntityStateOpen,
		Priority:       "high",
		Labels:         "auth,backend",
	}
	require.NoError(t, f.db.CreatePlanningEntity(context.Background(), entity))

	return entity
}

func TestPushCreatesRemoteEpic(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	entity := createEntity(t, f)

	link, err := f.bridge.PushToRemote(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), link.GroupID)
	assert.Equal(t, entity.ID, link.EntityID)
	require.NotNil(t, link.LastSyncAt)

	remote := f.fake.Epics[link.EpicID]
	require.NotNil(t, remote)
	assert.Equal(t, "Login requirement", remote.Title)
	assert.Contains(t, remote.Labels, "requirement")
	assert.Contains(t, remote.Labels, "priority:high")
	assert.Contains(t, remote.Labels, "auth")
}

func TestPushUpdatesExistingEpic(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	entity := createEntity(t, f)

	first, err := f.bridge.PushToRemote(ctx, entity.ID)
	require.NoError(t, err)

	entity.Title = "Login requirement v2"
	entity.Status = epic.EntityStateClosed
	require.NoError(t, f.db.SavePlanningEntity(ctx, entity))

	second, err := f.bridge.PushToRemote(ctx, entity.ID)
	require.NoError(t, err)

	// Same link, same remote epic, no duplicate.
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.fake.Epics, 1)

	remote := f.fake.Epics[first.EpicID]
	assert.Equal(t, "Login requirement v2", remote.Title)
	assert.Equal(t, gitlab.EpicStateClosed, remote.State)
}

func TestPushWithoutMapping(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	entity := &store.PlanningEntity{
		ID:             "req-2",
		LocalProjectID: "unmapped",
		EntityType:     store.EntityRequirement,
		Title:          "Orphan",
		Status:         epic.EntityStateOpen,
	}
	require.NoError(t, f.db.CreatePlanningEntity(ctx, entity))

	_, err := f.bridge.PushToRemote(ctx, entity.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestPullCreatesLocalEntity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.fake.Epics[5] = &gitlab.Epic{
		ID:      1005,
		IID:     5,
		GroupID: 7,
		Title:   "认证子系统",
		State:   gitlab.EpicStateOpened,
		Labels:  []string{"priority:medium", "infra"},
	}

	entity, err := f.bridge.PullFromRemote(ctx, f.inst.ID, 7, 5)
	require.NoError(t, err)
	assert.Equal(t, store.EntitySubsystem, entity.EntityType)
	assert.Equal(t, "proj-1", entity.LocalProjectID)
	assert.Equal(t, "medium", entity.Priority)
	assert.Equal(t, "infra", entity.Labels)
	assert.Equal(t, epic.EntityStateOpen, entity.Status)

	// Pulling again updates the same entity.
	f.fake.Epics[5].Title = "认证子系统 v2"
	f.fake.Epics[5].State = gitlab.EpicStateClosed

	again, err := f.bridge.PullFromRemote(ctx, f.inst.ID, 7, 5)
	require.NoError(t, err)
	assert.Equal(t, entity.ID, again.ID)
	assert.Equal(t, "认证子系统 v2", again.Title)
	assert.Equal(t, epic.EntityStateClosed, again.Status)
}

func TestPullThenPushSymmetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.fake.Epics[5] = &gitlab.Epic{
		ID:      1005,
		IID:     5,
		GroupID: 7,
		Title:   "Checkout requirement",
		State:   gitlab.EpicStateOpened,
		Labels:  []string{"priority:low"},
	}

	entity, err := f.bridge.PullFromRemote(ctx, f.inst.ID, 7, 5)
	require.NoError(t, err)

	// A push of the pulled entity updates the linked epic in place.
	entity.Title = "Checkout requirement (reviewed)"
	require.NoError(t, f.db.SavePlanningEntity(ctx, entity))

	_, err = f.bridge.PushToRemote(ctx, entity.ID)
	require.NoError(t, err)

	assert.Len(t, f.fake.Epics, 1)
	assert.Equal(t, "Checkout requirement (reviewed)", f.fake.Epics[5].Title)
}

func TestUnlinkBestEffort(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	entity := createEntity(t, f)

	link, err := f.bridge.PushToRemote(ctx, entity.ID)
	require.NoError(t, err)

	// Remote delete fails; the link is removed anyway.
	f.fake.Err = apperrors.Connection(nil, "remote down")

	require.NoError(t, f.bridge.Unlink(ctx, link.ID))

	_, err = f.db.GetEpicLink(ctx, link.ID)
	require.Error(t, err)

	err = f.bridge.Unlink(ctx, link.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}
