package epic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/gitlab"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/registry"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
)

// Bridge synchronizes planning entities with GitLab group epics in both
// directions. Links are tracked so repeated syncs update in place and
// never duplicate.
type Bridge struct {
	log       logrus.FieldLogger
	db        store.Store
	instances *registry.Instances
	mappings  *registry.Mappings
}

// NewBridge creates the epic sync bridge.
func NewBridge(
	log logrus.FieldLogger,
	db store.Store,
	instances *registry.Instances,
	mappings *registry.Mappings,
) *Bridge {
	return &Bridge{
		log:       log.WithField("component", "epic"),
		db:        db,
		instances: instances,
		mappings:  mappings,
	}
}

// PushToRemote creates or updates the remote epic for a local planning
// entity and records the link.
func (b *Bridge) PushToRemote(
	ctx context.Context, entityID string,
) (*store.EpicLink, error) {
	entity, err := b.db.GetPlanningEntity(ctx, entityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("planning entity %s not found", entityID)
		}

		return nil, err
	}

	mapping, err := b.mappings.ActiveGroupMapping(ctx, entity.LocalProjectID)
	if err != nil {
		return nil, err
	}

	inst, err := b.instances.GetActive(ctx, mapping.InstanceID)
	if err != nil {
		return nil, err
	}

	gw := b.instances.Gateway(inst)

	link, err := b.db.FindEpicLinkByEntity(ctx, entity.EntityType, entity.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if link != nil {
		if err := b.updateRemote(ctx, gw, link, entity); err != nil {
			return nil, err
		}
	} else {
		link, err = b.createRemote(ctx, gw, mapping, entity)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	link.LastSyncAt = &now

	if err := b.db.SaveEpicLink(ctx, link); err != nil {
		return nil, err
	}

	b.log.WithField("entity", entity.ID).
		WithField("epic", link.EpicID).
		Info("Entity pushed to remote epic")

	return link, nil
}

func (b *Bridge) updateRemote(
	ctx context.Context,
	gw gitlab.Gateway,
	link *store.EpicLink,
	entity *store.PlanningEntity,
) error {
	epic, err := gw.GetEpic(ctx, link.GroupID, link.EpicID)
	if err != nil {
		return err
	}

	req := &gitlab.EpicRequest{
		Title:       entity.Title,
		Description: entity.Description,
		Labels:      RemoteLabels(entity),
		StateEvent:  EpicStateEvent(entity.Status, epic.State),
	}

	_, err = gw.UpdateEpic(ctx, link.GroupID, link.EpicID, req)

	return err
}

func (b *Bridge) createRemote(
	ctx context.Context,
	gw gitlab.Gateway,
	mapping *store.GroupMapping,
	entity *store.PlanningEntity,
) (*store.EpicLink, error) {
	epic, err := gw.CreateEpic(ctx, mapping.RemoteID, &gitlab.EpicRequest{
		Title:       entity.Title,
		Description: entity.Description,
		Labels:      RemoteLabels(entity),
	})
	if err != nil {
		return nil, err
	}

	link := &store.EpicLink{
		LocalProjectID: entity.LocalProjectID,
		InstanceID:     mapping.InstanceID,
		GroupID:        mapping.RemoteID,
		EpicID:         epic.IID,
		EntityType:     entity.EntityType,
		EntityID:       entity.ID,
		Active:         true,
	}

	if err := b.db.CreateEpicLink(ctx, link); err != nil {
		return nil, err
	}

	return link, nil
}

// PullFromRemote fetches a remote epic and creates or updates its local
// planning entity. The entity type is inferred for epics not yet
// linked.
func (b *Bridge) PullFromRemote(
	ctx context.Context, instanceID uint, groupID, epicIID int64,
) (*store.PlanningEntity, error) {
	inst, err := b.instances.GetActive(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	gw := b.instances.Gateway(inst)

	epic, err := gw.GetEpic(ctx, groupID, epicIID)
	if err != nil {
		return nil, err
	}

	link, err := b.db.FindEpicLinkByEpic(ctx, instanceID, groupID, epicIID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if link != nil {
		return b.updateLocal(ctx, link, epic)
	}

	return b.createLocal(ctx, inst.ID, epic)
}

func (b *Bridge) updateLocal(
	ctx context.Context, link *store.EpicLink, epic *gitlab.Epic,
) (*store.PlanningEntity, error) {
	entity, err := b.db.GetPlanningEntity(ctx, link.EntityID)
	if err != nil {
		return nil, err
	}

	applyEpic(entity, epic)

	if err := b.db.SavePlanningEntity(ctx, entity); err != nil {
		return nil, err
	}

	now := time.Now()
	link.LastSyncAt = &now

	if err := b.db.SaveEpicLink(ctx, link); err != nil {
		return nil, err
	}

	b.log.WithField("entity", entity.ID).
		WithField("epic", epic.IID).
		Info("Entity updated from remote epic")

	return entity, nil
}

func (b *Bridge) createLocal(
	ctx context.Context, instanceID uint, epic *gitlab.Epic,
) (*store.PlanningEntity, error) {
	localProjectID, err := b.localProjectForGroup(ctx, instanceID, epic.GroupID)
	if err != nil {
		return nil, err
	}

	entity := &store.PlanningEntity{
		// Deterministic id keeps repeated pulls of the same epic from
		// creating duplicate entities.
		ID:             fmt.Sprintf("epic-%d-%d", instanceID, epic.ID),
		LocalProjectID: localProjectID,
		EntityType:     InferEntityType(epic.Labels, epic.Title),
	}

	applyEpic(entity, epic)

	if err := b.db.CreatePlanningEntity(ctx, entity); err != nil {
		return nil, err
	}

	now := time.Now()

	link := &store.EpicLink{
		LocalProjectID: localProjectID,
		InstanceID:     instanceID,
		GroupID:        epic.GroupID,
		EpicID:         epic.IID,
		EntityType:     entity.EntityType,
		EntityID:       entity.ID,
		Active:         true,
		LastSyncAt:     &now,
	}

	if err := b.db.CreateEpicLink(ctx, link); err != nil {
		return nil, err
	}

	b.log.WithField("entity", entity.ID).
		WithField("epic", epic.IID).
		Info("Entity created from remote epic")

	return entity, nil
}

func (b *Bridge) localProjectForGroup(
	ctx context.Context, instanceID uint, groupID int64,
) (string, error) {
	mappings, err := b.db.ListGroupMappings(ctx, instanceID)
	if err != nil {
		return "", err
	}

	for i := range mappings {
		if mappings[i].Active && mappings[i].RemoteID == groupID {
			return mappings[i].LocalProjectID, nil
		}
	}

	return "", apperrors.NotFound(
		"no active group mapping for group %d on instance %d",
		groupID, instanceID)
}

func applyEpic(entity *store.PlanningEntity, epic *gitlab.Epic) {
	entity.Title = epic.Title
	entity.Description = epic.Description
	entity.Status = EntityState(epic.State)

	if priority := ParsePriority(epic.Labels); priority != "" {
		entity.Priority = priority
	}

	entity.Labels = strings.Join(FreeLabels(epic.Labels), ",")
}

// Unlink removes the link, deleting the remote epic on a best-effort
// basis. A failed remote delete never blocks the local removal.
func (b *Bridge) Unlink(ctx context.Context, linkID uint) error {
	link, err := b.db.GetEpicLink(ctx, linkID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("epic link %d not found", linkID)
		}

		return err
	}

	inst, err := b.instances.Get(ctx, link.InstanceID)
	if err == nil {
		gw := b.instances.Gateway(inst)

		if err := gw.DeleteEpic(ctx, link.GroupID, link.EpicID); err != nil {
			b.log.WithError(err).
				WithField("epic", link.EpicID).
				Warn("Remote epic delete failed, removing link anyway")
		}
	}

	if err := b.db.DeleteEpicLink(ctx, link.ID); err != nil {
		return err
	}

	b.log.WithField("link", link.ID).Info("Epic link removed")

	return nil
}
