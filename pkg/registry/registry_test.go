package registry_test

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
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/gitlab"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/gitlab/gitlabtest"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/registry"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
)

type fixture struct {
	db        store.Store
	fake      *gitlabtest.Fake
	instances *registry.Instances
	mappings  *registry.Mappings
	cipher    *cipher.Cipher
}

func setup(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	db := store.New(log, cfg)
	require.NoError(t, db.Start(context.Background()))
	t.Cleanup(func() { _ = db.Stop() })

	fake := gitlabtest.New()
	tokenCipher := cipher.New(log, "test-secret")
	cacheStore := cache.New(log, true, time.Minute, 0)

	instances := registry.NewInstances(
		log, db, cacheStore, tokenCipher,
		func(baseURL, token string) gitlab.Gateway { return fake },
	)
	mappings := registry.NewMappings(log, db, cacheStore, instances)

	return &fixture{
		db:        db,
		fake:      fake,
		instances: instances,
		mappings:  mappings,
		cipher:    tokenCipher,
	}
}

func createInstance(t *testing.T, f *fixture, baseURL string) *store.Instance {
	t.Helper()

	inst, err := f.instances.Create(context.Background(), registry.InstanceInput{
		Name:     "primary",
		BaseURL:  baseURL,
		APIToken: "glpat-secret",
	})
	require.NoError(t, err)

	return inst
}

func TestInstanceCreateEncryptsToken(t *testing.T) {
	f := setup(t)

	inst := createInstance(t, f, "https://gitlab.example.com/")

	// Stored value must not be the plaintext token, but must round-trip.
	assert.NotEqual(t, "glpat-secret", inst.EncryptedToken)
	assert.Equal(t, "glpat-secret", f.instances.Token(inst))

	// Trailing slash is normalized away.
	assert.Equal(t, "https://gitlab.example.com", inst.BaseURL)
}

func TestInstanceCreateValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input registry.InstanceInput
	}{
		{"missing name", registry.InstanceInput{BaseURL: "https://x.example.com", APIToken: "t"}},
		{"missing token", registry.InstanceInput{Name: "n", BaseURL: "https://x.example.com"}},
		{"missing base url", registry.InstanceInput{Name: "n", APIToken: "t"}},
		{"bad scheme", registry.InstanceInput{Name: "n", BaseURL: "ftp://x.example.com", APIToken: "t"}},
		{"malformed url", registry.InstanceInput{Name: "n", BaseURL: "://", APIToken: "t"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.instances.Create(ctx, tc.input)
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
		})
	}
}

func TestInstanceDuplicateBaseURLConflict(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	createInstance(t, f, "https://gitlab.example.com")

	_, err := f.instances.Create(ctx, registry.InstanceInput{
		Name:     "secondary",
		BaseURL:  "https://gitlab.example.com/",
		APIToken: "other-token",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))
}

func TestInstanceUpdateReturnsStoredRecord(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	inst := createInstance(t, f, "https://gitlab.example.com")

	inactive := false
	updated, err := f.instances.Update(ctx, inst.ID, registry.InstanceInput{
		Name:   "renamed",
		Active: &inactive,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Active)

	// Inactive instances are rejected by GetActive but still readable.
	_, err = f.instances.GetActive(ctx, inst.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	got, err := f.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}

func TestInstanceGetMissing(t *testing.T) {
	f := setup(t)

	_, err := f.instances.Get(context.Background(), 999)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestInstanceTestConnection(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	inst := createInstance(t, f, "https://gitlab.example.com")

	require.NoError(t, f.instances.TestConnection(ctx, inst.ID))

	f.fake.ConnectionOK = false
	err := f.instances.TestConnection(ctx, inst.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeAuthenticationFailed))
}

func TestMappingCreateVerifiesRemote(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	inst := createInstance(t, f, "https://gitlab.example.com")
	f.fake.Projects[42] = &gitlab.Project{ID: 42, PathWithNamespace: "team/app"}

	mapping, err := f.mappings.Create(ctx, registry.KindProject, registry.MappingInput{
		LocalProjectID: "proj-1",
		InstanceID:     inst.ID,
		RemoteID:       42,
	})
	require.NoError(t, err)
	assert.Equal(t, "team/app", mapping.RemotePath)
	assert.True(t, mapping.SyncEnabled)
	assert.True(t, mapping.Active)

	// A remote project that does not exist blocks creation.
	_, err = f.mappings.Create(ctx, registry.KindProject, registry.MappingInput{
		LocalProjectID: "proj-2",
		InstanceID:     inst.ID,
		RemoteID:       404,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestMappingTripleUniquenessConflict(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	inst := createInstance(t, f, "https://gitlab.example.com")
	f.fake.Projects[42] = &gitlab.Project{ID: 42, PathWithNamespace: "team/app"}

	_, err := f.mappings.Create(ctx, registry.KindProject, registry.MappingInput{
		LocalProjectID: "proj-1",
		InstanceID:     inst.ID,
		RemoteID:       42,
	})
	require.NoError(t, err)

	_, err = f.mappings.Create(ctx, registry.KindProject, registry.MappingInput{
		LocalProjectID: "proj-1",
		InstanceID:     inst.ID,
		RemoteID:       42,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))
}

func TestMappingOneActivePerLocalProject(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	inst := createInstance(t, f, "https://gitlab.example.com")
	f.fake.Projects[42] = &gitlab.Project{ID: 42, PathWithNamespace: "team/app"}
	f.fake.Projects[43] = &gitlab.Project{ID: 43, PathWithNamespace: "team/other"}

	first, err := f.mappings.Create(ctx, registry.KindProject, registry.MappingInput{
		LocalProjectID: "proj-1",
		InstanceID:     inst.ID,
		RemoteID:       42,
	})
	require.NoError(t, err)

	// A second active mapping to a different remote on the same
	// instance is still a conflict.
	_, err = f.mappings.Create(ctx, registry.KindProject, registry.MappingInput{
		LocalProjectID: "proj-1",
		InstanceID:     inst.ID,
		RemoteID:       43,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))

	// Deactivating the first mapping frees the slot.
	inactive := false
	_, err = f.mappings.Update(ctx, registry.KindProject, first.ID, nil, &inactive)
	require.NoError(t, err)

	_, err = f.mappings.Create(ctx, registry.KindProject, registry.MappingInput{
		LocalProjectID: "proj-1",
		InstanceID:     inst.ID,
		RemoteID:       43,
	})
	require.NoError(t, err)
}

func TestGroupMappingAndActiveLookup(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	inst := createInstance(t, f, "https://gitlab.example.com")
	f.fake.Groups[7] = &gitlab.Group{ID: 7, FullPath: "team"}

	created, err := f.mappings.Create(ctx, registry.KindGroup, registry.MappingInput{
		LocalProjectID: "proj-1",
		InstanceID:     inst.ID,
		RemoteID:       7,
	})
	require.NoError(t, err)
	assert.Equal(t, "team", created.RemotePath)

	active, err := f.mappings.ActiveGroupMapping(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), active.RemoteID)

	_, err = f.mappings.ActiveGroupMapping(ctx, "unmapped")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestMappingDelete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	inst := createInstance(t, f, "https://gitlab.example.com")
	f.fake.Projects[42] = &gitlab.Project{ID: 42, PathWithNamespace: "team/app"}

	created, err := f.mappings.Create(ctx, registry.KindProject, registry.MappingInput{
		LocalProjectID: "proj-1",
		InstanceID:     inst.ID,
		RemoteID:       42,
	})
	require.NoError(t, err)

	require.NoError(t, f.mappings.Delete(ctx, registry.KindProject, created.ID))

	err = f.mappings.Delete(ctx, registry.KindProject, created.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}
