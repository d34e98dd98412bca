package registry

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/cache"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
)

// MappingKind selects between project and group mappings.
type MappingKind string

const (
	KindProject MappingKind = "project"
	KindGroup   MappingKind = "group"
)

// MappingInput carries the writable mapping fields.
type MappingInput struct {
	LocalProjectID string `json:"local_project_id"`
	InstanceID     uint   `json:"instance_id"`
	RemoteID       int64  `json:"remote_id"`
	SyncEnabled    *bool  `json:"sync_enabled"`
}

// Mapping is the kind-agnostic view returned by the service.
type Mapping struct {
	ID             uint        `json:"id"`
	Kind           MappingKind `json:"kind"`
	LocalProjectID string      `json:"local_project_id"`
	InstanceID     uint        `json:"instance_id"`
	RemoteID       int64       `json:"remote_id"`
	RemotePath     string      `json:"remote_path"`
	SyncEnabled    bool        `json:"sync_enabled"`
	Active         bool        `json:"active"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Mappings manages project and group mappings. Creation verifies remote
// existence through the instance's gateway first; sync runs never create
// mappings implicitly.
type Mappings struct {
	log       logrus.FieldLogger
	db        store.Store
	cache     cache.Store
	instances *Instances
}

// NewMappings creates the mapping service.
func NewMappings(
	log logrus.FieldLogger,
	db store.Store,
	cacheStore cache.Store,
	instances *Instances,
) *Mappings {
	return &Mappings{
		log:       log.WithField("component", "mappings"),
		db:        db,
		cache:     cacheStore,
		instances: instances,
	}
}

// Create verifies the referenced instance and remote object, enforces
// the (localProjectID, instanceID, remoteID) uniqueness triple and the
// one-active-mapping-per-local-project rule, then stores the mapping.
func (m *Mappings) Create(
	ctx context.Context, kind MappingKind, in MappingInput,
) (*Mapping, error) {
	if in.LocalProjectID == "" {
		return nil, apperrors.Validation("local project id is required").
			WithDetail("field", "local_project_id")
	}

	if in.RemoteID <= 0 {
		return nil, apperrors.Validation("remote id must be positive").
			WithDetail("field", "remote_id")
	}

	inst, err := m.instances.GetActive(ctx, in.InstanceID)
	if err != nil {
		return nil, err
	}

	// Verify the remote object exists before creating the mapping.
	remotePath, err := m.verifyRemote(ctx, kind, inst, in.RemoteID)
	if err != nil {
		return nil, err
	}

	if err := m.checkUniqueness(ctx, kind, in); err != nil {
		return nil, err
	}

	syncEnabled := true
	if in.SyncEnabled != nil {
		syncEnabled = *in.SyncEnabled
	}

	var created *Mapping

	switch kind {
	case KindProject:
		rec := &store.ProjectMapping{
			LocalProjectID: in.LocalProjectID,
			InstanceID:     in.InstanceID,
			RemoteID:       in.RemoteID,
			RemotePath:     remotePath,
			SyncEnabled:    syncEnabled,
			Active:         true,
		}
		if err := m.db.CreateProjectMapping(ctx, rec); err != nil {
			return nil, err
		}

		created = projectMappingView(rec)
	case KindGroup:
		rec := &store.GroupMapping{
			LocalProjectID: in.LocalProjectID,
			InstanceID:     in.InstanceID,
			RemoteID:       in.RemoteID,
			RemotePath:     remotePath,
			SyncEnabled:    syncEnabled,
			Active:         true,
		}
		if err := m.db.CreateGroupMapping(ctx, rec); err != nil {
			return nil, err
		}

		created = groupMappingView(rec)
	default:
		return nil, apperrors.Validation("unknown mapping kind %q", kind)
	}

	cache.InvalidateKind(m.cache, cache.KindMappings, in.InstanceID)

	m.log.WithField("kind", kind).
		WithField("local_project", in.LocalProjectID).
		WithField("remote_id", in.RemoteID).
		Info("Mapping created")

	return created, nil
}

// Update toggles sync enablement or active state and returns the
// re-fetched record.
func (m *Mappings) Update(
	ctx context.Context, kind MappingKind, id uint,
	syncEnabled, active *bool,
) (*Mapping, error) {
	switch kind {
	case KindProject:
		rec, err := m.db.GetProjectMapping(ctx, id)
		if err != nil {
			return nil, mapNotFound(err, kind, id)
		}

		if syncEnabled != nil {
			rec.SyncEnabled = *syncEnabled
		}

		if active != nil {
			rec.Active = *active
		}

		if err := m.db.SaveProjectMapping(ctx, rec); err != nil {
			return nil, err
		}

		rec, err = m.db.GetProjectMapping(ctx, id)
		if err != nil {
			return nil, mapNotFound(err, kind, id)
		}

		cache.InvalidateKind(m.cache, cache.KindMappings, rec.InstanceID)

		return projectMappingView(rec), nil
	case KindGroup:
		rec, err := m.db.GetGroupMapping(ctx, id)
		if err != nil {
			return nil, mapNotFound(err, kind, id)
		}

		if syncEnabled != nil {
			rec.SyncEnabled = *syncEnabled
		}

		if active != nil {
			rec.Active = *active
		}

		if err := m.db.SaveGroupMapping(ctx, rec); err != nil {
			return nil, err
		}

		rec, err = m.db.GetGroupMapping(ctx, id)
		if err != nil {
			return nil, mapNotFound(err, kind, id)
		}

		cache.InvalidateKind(m.cache, cache.KindMappings, rec.InstanceID)

		return groupMappingView(rec), nil
	default:
		return nil, apperrors.Validation("unknown mapping kind %q", kind)
	}
}

// Delete removes a mapping.
func (m *Mappings) Delete(
	ctx context.Context, kind MappingKind, id uint,
) error {
	var instanceID uint

	switch kind {
	case KindProject:
		rec, err := m.db.GetProjectMapping(ctx, id)
		if err != nil {
			return mapNotFound(err, kind, id)
		}

		instanceID = rec.InstanceID

		if err := m.db.DeleteProjectMapping(ctx, id); err != nil {
			return err
		}
	case KindGroup:
		rec, err := m.db.GetGroupMapping(ctx, id)
		if err != nil {
			return mapNotFound(err, kind, id)
		}

		instanceID = rec.InstanceID

		if err := m.db.DeleteGroupMapping(ctx, id); err != nil {
			return err
		}
	default:
		return apperrors.Validation("unknown mapping kind %q", kind)
	}

	cache.InvalidateKind(m.cache, cache.KindMappings, instanceID)

	m.log.WithField("kind", kind).
		WithField("mapping", id).
		Info("Mapping deleted")

	return nil
}

// List returns mappings for an instance.
func (m *Mappings) List(
	ctx context.Context, kind MappingKind, instanceID uint,
) ([]Mapping, error) {
	switch kind {
	case KindProject:
		recs, err := m.db.ListProjectMappings(ctx, instanceID)
		if err != nil {
			return nil, err
		}

		out := make([]Mapping, 0, len(recs))
		for i := range recs {
			out = append(out, *projectMappingView(&recs[i]))
		}

		return out, nil
	case KindGroup:
		recs, err := m.db.ListGroupMappings(ctx, instanceID)
		if err != nil {
			return nil, err
		}

		out := make([]Mapping, 0, len(recs))
		for i := range recs {
			out = append(out, *groupMappingView(&recs[i]))
		}

		return out, nil
	default:
		return nil, apperrors.Validation("unknown mapping kind %q", kind)
	}
}

// ActiveGroupMapping resolves the single active group mapping of a
// local project, used by the epic bridge.
func (m *Mappings) ActiveGroupMapping(
	ctx context.Context, localProjectID string,
) (*store.GroupMapping, error) {
	recs, err := m.db.ListGroupMappingsByLocalProject(ctx, localProjectID)
	if err != nil {
		return nil, err
	}

	for i := range recs {
		if recs[i].Active {
			return &recs[i], nil
		}
	}

	return nil, apperrors.NotFound(
		"no active group mapping for project %s", localProjectID)
}

func (m *Mappings) verifyRemote(
	ctx context.Context,
	kind MappingKind,
	inst *store.Instance,
	remoteID int64,
) (string, error) {
	gw := m.instances.Gateway(inst)

	switch kind {
	case KindProject:
		project, err := gw.GetProject(ctx, remoteID)
		if err != nil {
			return "", err
		}

		return project.PathWithNamespace, nil
	default:
		group, err := gw.GetGroup(ctx, remoteID)
		if err != nil {
			return "", err
		}

		return group.FullPath, nil
	}
}

func (m *Mappings) checkUniqueness(
	ctx context.Context, kind MappingKind, in MappingInput,
) error {
	switch kind {
	case KindProject:
		if _, err := m.db.FindProjectMapping(
			ctx, in.LocalProjectID, in.InstanceID, in.RemoteID,
		); err == nil {
			return apperrors.Conflict(
				"mapping already exists for project %s, instance %d, remote %d",
				in.LocalProjectID, in.InstanceID, in.RemoteID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		existing, err := m.db.ListProjectMappingsByLocalProject(ctx, in.LocalProjectID)
		if err != nil {
			return err
		}

		for i := range existing {
			if existing[i].Active && existing[i].InstanceID == in.InstanceID {
				return apperrors.Conflict(
					"project %s already has an active project mapping on instance %d",
					in.LocalProjectID, in.InstanceID)
			}
		}
	case KindGroup:
		if _, err := m.db.FindGroupMapping(
			ctx, in.LocalProjectID, in.InstanceID, in.RemoteID,
		); err == nil {
			return apperrors.Conflict(
				"mapping already exists for project %s, instance %d, remote %d",
				in.LocalProjectID, in.InstanceID, in.RemoteID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		existing, err := m.db.ListGroupMappingsByLocalProject(ctx, in.LocalProjectID)
		if err != nil {
			return err
		}

		for i := range existing {
			if existing[i].Active && existing[i].InstanceID == in.InstanceID {
				return apperrors.Conflict(
					"project %s already has an active group mapping on instance %d",
					in.LocalProjectID, in.InstanceID)
			}
		}
	}

	return nil
}

func mapNotFound(err error, kind MappingKind, id uint) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NotFound("%s mapping %d not found", kind, id)
	}

	return err
}

func projectMappingView(rec *store.ProjectMapping) *Mapping {
	return &Mapping{
		ID:             rec.ID,
		Kind:           KindProject,
		LocalProjectID: rec.LocalProjectID,
		InstanceID:     rec.InstanceID,
		RemoteID:       rec.RemoteID,
		RemotePath:     rec.RemotePath,
		SyncEnabled:    rec.SyncEnabled,
		Active:         rec.Active,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func groupMappingView(rec *store.GroupMapping) *Mapping {
	return &Mapping{
		ID:             rec.ID,
		Kind:           KindGroup,
		LocalProjectID: rec.LocalProjectID,
		InstanceID:     rec.InstanceID,
		RemoteID:       rec.RemoteID,
		RemotePath:     rec.RemotePath,
		SyncEnabled:    rec.SyncEnabled,
		Active:         rec.Active,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}
