// Package store provides persistence for all sync-service entities.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/config"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for sync-service resources.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Instance CRUD.
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id uint) (*Instance, error)
	GetInstanceByBaseURL(ctx context.Context, baseURL string) (*Instance, error)
	ListInstances(ctx context.Context, activeOnly bool) ([]Instance, error)
	SaveInstance(ctx context.Context, inst *Instance) error
	DeleteInstance(ctx context.Context, id uint) error

	// Project mapping CRUD.
	CreateProjectMapping(ctx context.Context, m *ProjectMapping) error
	GetProjectMapping(ctx context.Context, id uint) (*ProjectMapping, error)
	FindProjectMapping(ctx context.Context, localProjectID string, instanceID uint, remoteID int64) (*ProjectMapping, error)
	ListProjectMappings(ctx context.Context, instanceID uint) ([]ProjectMapping, error)
	ListProjectMappingsByLocalProject(ctx context.Context, localProjectID string) ([]ProjectMapping, error)
	SaveProjectMapping(ctx context.Context, m *ProjectMapping) error
	DeleteProjectMapping(ctx context.Context, id uint) error

	// Group mapping CRUD.
	CreateGroupMapping(ctx context.Context, m *GroupMapping) error
	GetGroupMapping(ctx context.Context, id uint) (*GroupMapping, error)
	FindGroupMapping(ctx context.Context, localProjectID string, instanceID uint, remoteID int64) (*GroupMapping, error)
	ListGroupMappings(ctx context.Context, instanceID uint) ([]GroupMapping, error)
	ListGroupMappingsByLocalProject(ctx context.Context, localProjectID string) ([]GroupMapping, error)
	SaveGroupMapping(ctx context.Context, m *GroupMapping) error
	DeleteGroupMapping(ctx context.Context, id uint) error

	// Epic link CRUD.
	CreateEpicLink(ctx context.Context, link *EpicLink) error
	GetEpicLink(ctx context.Context, id uint) (*EpicLink, error)
	FindEpicLinkByEntity(ctx context.Context, entityType, entityID string) (*EpicLink, error)
	FindEpicLinkByEpic(ctx context.Context, instanceID uint, groupID, epicID int64) (*EpicLink, error)
	SaveEpicLink(ctx context.Context, link *EpicLink) error
	DeleteEpicLink(ctx context.Context, id uint) error

	// Planning entity CRUD.
	CreatePlanningEntity(ctx context.Context, entity *PlanningEntity) error
	GetPlanningEntity(ctx context.Context, id string) (*PlanningEntity, error)
	SavePlanningEntity(ctx context.Context, entity *PlanningEntity) error
	ListPlanningEntities(ctx context.Context, localProjectID string) ([]PlanningEntity, error)

	// Sync history.
	AppendSyncRecord(ctx context.Context, rec *SyncRecord) error
	ListSyncRecords(ctx context.Context, instanceID uint, limit int) ([]SyncRecord, error)

	// Event queue.
	CreateQueuedEvent(ctx context.Context, ev *QueuedEvent) error
	GetQueuedEvent(ctx context.Context, id uint) (*QueuedEvent, error)
	EventExists(ctx context.Context, dedupKey string) (bool, error)
	ClaimPendingEvent(ctx context.Context) (*QueuedEvent, error)
	SaveQueuedEvent(ctx context.Context, ev *QueuedEvent) error
	ListQueuedEvents(ctx context.Context, status string, limit int) ([]QueuedEvent, error)
	CountEventsByStatus(ctx context.Context) (map[string]int64, error)
	AverageProcessingMS(ctx context.Context) (float64, error)

	// Permission grants.
	CreateGrant(ctx context.Context, g *PermissionGrant) error
	SaveGrant(ctx context.Context, g *PermissionGrant) error
	FindGrant(ctx context.Context, grantType, resourceID, userID string) (*PermissionGrant, error)
	DeleteGrant(ctx context.Context, id uint) error
	ListGrantsForUser(ctx context.Context, userID string) ([]PermissionGrant, error)
	ListGrantsForResource(ctx context.Context, grantType, resourceID string) ([]PermissionGrant, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// New creates a Store backed by the configured database driver.
func New(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Instance{},
		&ProjectMapping{},
		&GroupMapping{},
		&EpicLink{},
		&PlanningEntity{},
		&SyncRecord{},
		&QueuedEvent{},
		&PermissionGrant{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// wrapNotFound maps gorm's not-found to the package sentinel.
func wrapNotFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	return fmt.Errorf("%s: %w", what, err)
}

// --- Instance CRUD ---

func (s *store) CreateInstance(ctx context.Context, inst *Instance) error {
	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		return fmt.Errorf("creating instance: %w", err)
	}

	return nil
}

func (s *store) GetInstance(ctx context.Context, id uint) (*Instance, error) {
	var inst Instance
	if err := s.db.WithContext(ctx).First(&inst, id).Error; err != nil {
		return nil, wrapNotFound(err, "getting instance")
	}

	return &inst, nil
}

func (s *store) GetInstanceByBaseURL(
	ctx context.Context, baseURL string,
) (*Instance, error) {
	var inst Instance
	if err := s.db.WithContext(ctx).
		Where("base_url = ? AND active = ?", baseURL, true).
		First(&inst).Error; err != nil {
		return nil, wrapNotFound(err, "getting instance by base url")
	}

	return &inst, nil
}

func (s *store) ListInstances(
	ctx context.Context, activeOnly bool,
) ([]Instance, error) {
	q := s.db.WithContext(ctx).Order("id ASC")
	if activeOnly {
		q = q.Where("active = ?", true)
	}

	var instances []Instance
	if err := q.Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}

	return instances, nil
}

func (s *store) SaveInstance(ctx context.Context, inst *Instance) error {
	if err := s.db.WithContext(ctx).Save(inst).Error; err != nil {
		return fmt.Errorf("saving instance: %w", err)
	}

	return nil
}

func (s *store) DeleteInstance(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Delete(&Instance{}, id).Error; err != nil {
		return fmt.Errorf("deleting instance: %w", err)
	}

	return nil
}

// --- Project mapping CRUD ---

func (s *store) CreateProjectMapping(
	ctx context.Context, m *ProjectMapping,
) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("creating project mapping: %w", err)
	}

	return nil
}

func (s *store) GetProjectMapping(
	ctx context.Context, id uint,
) (*ProjectMapping, error) {
	var m ProjectMapping
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, wrapNotFound(err, "getting project mapping")
	}

	return &m, nil
}

func (s *store) FindProjectMapping(
	ctx context.Context,
	localProjectID string,
	instanceID uint,
	remoteID int64,
) (*ProjectMapping, error) {
	var m ProjectMapping
	if err := s.db.WithContext(ctx).
		Where(
			"local_project_id = ? AND instance_id = ? AND remote_id = ?",
			localProjectID, instanceID, remoteID,
		).
		First(&m).Error; err != nil {
		return nil, wrapNotFound(err, "finding project mapping")
	}

	return &m, nil
}

func (s *store) ListProjectMappings(
	ctx context.Context, instanceID uint,
) ([]ProjectMapping, error) {
	var mappings []ProjectMapping
	if err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id ASC").
		Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("listing project mappings: %w", err)
	}

	return mappings, nil
}

func (s *store) ListProjectMappingsByLocalProject(
	ctx context.Context, localProjectID string,
) ([]ProjectMapping, error) {
	var mappings []ProjectMapping
	if err := s.db.WithContext(ctx).
		Where("local_project_id = ?", localProjectID).
		Order("id ASC").
		Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("listing project mappings by local project: %w", err)
	}

	return mappings, nil
}

func (s *store) SaveProjectMapping(
	ctx context.Context, m *ProjectMapping,
) error {
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("saving project mapping: %w", err)
	}

	return nil
}

func (s *store) DeleteProjectMapping(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Delete(&ProjectMapping{}, id).Error; err != nil {
		return fmt.Errorf("deleting project mapping: %w", err)
	}

	return nil
}

// --- Group mapping CRUD ---

func (s *store) CreateGroupMapping(
	ctx context.Context, m *GroupMapping,
) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("creating group mapping: %w", err)
	}

	return nil
}

func (s *store) GetGroupMapping(
	ctx context.Context, id uint,
) (*GroupMapping, error) {
	var m GroupMapping
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, wrapNotFound(err, "getting group mapping")
	}

	return &m, nil
}

func (s *store) FindGroupMapping(
	ctx context.Context,
	localProjectID string,
	instanceID uint,
	remoteID int64,
) (*GroupMapping, error) {
	var m GroupMapping
	if err := s.db.WithContext(ctx).
		Where(
			"local_project_id = ? AND instance_id = ? AND remote_id = ?",
			localProjectID, instanceID, remoteID,
		).
		First(&m).Error; err != nil {
		return nil, wrapNotFound(err, "finding group mapping")
	}

	return &m, nil
}

func (s *store) ListGroupMappings(
	ctx context.Context, instanceID uint,
) ([]GroupMapping, error) {
	var mappings []GroupMapping
	if err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id ASC").
		Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("listing group mappings: %w", err)
	}

	return mappings, nil
}

func (s *store) ListGroupMappingsByLocalProject(
	ctx context.Context, localProjectID string,
) ([]GroupMapping, error) {
	var mappings []GroupMapping
	if err := s.db.WithContext(ctx).
		Where("local_project_id = ?", localProjectID).
		Order("id ASC").
		Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("listing group mappings by local project: %w", err)
	}

	return mappings, nil
}

func (s *store) SaveGroupMapping(
	ctx context.Context, m *GroupMapping,
) error {
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("saving group mapping: %w", err)
	}

	return nil
}

func (s *store) DeleteGroupMapping(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Delete(&GroupMapping{}, id).Error; err != nil {
		return fmt.Errorf("deleting group mapping: %w", err)
	}

	return nil
}

// --- Epic link CRUD ---

func (s *store) CreateEpicLink(ctx context.Context, link *EpicLink) error {
	if err := s.db.WithContext(ctx).Create(link).Error; err != nil {
		return fmt.Errorf("creating epic link: %w", err)
	}

	return nil
}

func (s *store) GetEpicLink(ctx context.Context, id uint) (*EpicLink, error) {
	var link EpicLink
	if err := s.db.WithContext(ctx).First(&link, id).Error; err != nil {
		return nil, wrapNotFound(err, "getting epic link")
	}

	return &link, nil
}

func (s *store) FindEpicLinkByEntity(
	ctx context.Context, entityType, entityID string,
) (*EpicLink, error) {
	var link EpicLink
	if err := s.db.WithContext(ctx).
		Where(
			"entity_type = ? AND entity_id = ? AND active = ?",
			entityType, entityID, true,
		).
		First(&link).Error; err != nil {
		return nil, wrapNotFound(err, "finding epic link by entity")
	}

	return &link, nil
}

func (s *store) FindEpicLinkByEpic(
	ctx context.Context, instanceID uint, groupID, epicID int64,
) (*EpicLink, error) {
	var link EpicLink
	if err := s.db.WithContext(ctx).
		Where(
			"instance_id = ? AND group_id = ? AND epic_id = ? AND active = ?",
			instanceID, groupID, epicID, true,
		).
		First(&link).Error; err != nil {
		return nil, wrapNotFound(err, "finding epic link by epic")
	}

	return &link, nil
}

func (s *store) SaveEpicLink(ctx context.Context, link *EpicLink) error {
	if err := s.db.WithContext(ctx).Save(link).Error; err != nil {
		return fmt.Errorf("saving epic link: %w", err)
	}

	return nil
}

func (s *store) DeleteEpicLink(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Delete(&EpicLink{}, id).Error; err != nil {
		return fmt.Errorf("deleting epic link: %w", err)
	}

	return nil
}

// --- Planning entity CRUD ---

func (s *store) CreatePlanningEntity(
	ctx context.Context, entity *PlanningEntity,
) error {
	if err := s.db.WithContext(ctx).Create(entity).Error; err != nil {
		return fmt.Errorf("creating planning entity: %w", err)
	}

	return nil
}

func (s *store) GetPlanningEntity(
	ctx context.Context, id string,
) (*PlanningEntity, error) {
	var entity PlanningEntity
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&entity).Error; err != nil {
		return nil, wrapNotFound(err, "getting planning entity")
	}

	return &entity, nil
}

func (s *store) SavePlanningEntity(
	ctx context.Context, entity *PlanningEntity,
) error {
	if err := s.db.WithContext(ctx).Save(entity).Error; err != nil {
		return fmt.Errorf("saving planning entity: %w", err)
	}

	return nil
}

func (s *store) ListPlanningEntities(
	ctx context.Context, localProjectID string,
) ([]PlanningEntity, error) {
	var entities []PlanningEntity
	if err := s.db.WithContext(ctx).
		Where("local_project_id = ?", localProjectID).
		Order("id ASC").
		Find(&entities).Error; err != nil {
		return nil, fmt.Errorf("listing planning entities: %w", err)
	}

	return entities, nil
}

// --- Sync history ---

func (s *store) AppendSyncRecord(ctx context.Context, rec *SyncRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("appending sync record: %w", err)
	}

	return nil
}

func (s *store) ListSyncRecords(
	ctx context.Context, instanceID uint, limit int,
) ([]SyncRecord, error) {
	q := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id DESC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	var records []SyncRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing sync records: %w", err)
	}

	return records, nil
}

// --- Event queue ---

func (s *store) CreateQueuedEvent(ctx context.Context, ev *QueuedEvent) error {
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("creating queued event: %w", err)
	}

	return nil
}

func (s *store) GetQueuedEvent(
	ctx context.Context, id uint,
) (*QueuedEvent, error) {
	var ev QueuedEvent
	if err := s.db.WithContext(ctx).First(&ev, id).Error; err != nil {
		return nil, wrapNotFound(err, "getting queued event")
	}

	return &ev, nil
}

func (s *store) EventExists(
	ctx context.Context, dedupKey string,
) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&QueuedEvent{}).
		Where("dedup_key = ?", dedupKey).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking event existence: %w", err)
	}

	return count > 0, nil
}

// ClaimPendingEvent atomically moves the oldest pending event to
// processing and increments its attempt counter. Returns ErrNotFound
// when the queue is drained.
func (s *store) ClaimPendingEvent(ctx context.Context) (*QueuedEvent, error) {
	var ev QueuedEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("status = ?", EventPending).
			Order("id ASC").
			First(&ev).Error; err != nil {
			return err
		}

		ev.Status = EventProcessing
		ev.Attempts++

		return tx.Save(&ev).Error
	})
	if err != nil {
		return nil, wrapNotFound(err, "claiming pending event")
	}

	return &ev, nil
}

func (s *store) SaveQueuedEvent(ctx context.Context, ev *QueuedEvent) error {
	if err := s.db.WithContext(ctx).Save(ev).Error; err != nil {
		return fmt.Errorf("saving queued event: %w", err)
	}

	return nil
}

func (s *store) ListQueuedEvents(
	ctx context.Context, status string, limit int,
) ([]QueuedEvent, error) {
	q := s.db.WithContext(ctx).Order("id DESC")

	if status != "" {
		q = q.Where("status = ?", status)
	}

	if limit > 0 {
		q = q.Limit(limit)
	}

	var events []QueuedEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("listing queued events: %w", err)
	}

	return events, nil
}

func (s *store) CountEventsByStatus(
	ctx context.Context,
) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}

	var rows []row
	if err := s.db.WithContext(ctx).
		Model(&QueuedEvent{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting events by status: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}

	return counts, nil
}

func (s *store) AverageProcessingMS(ctx context.Context) (float64, error) {
	var avg *float64
	if err := s.db.WithContext(ctx).
		Model(&QueuedEvent{}).
		Where("status = ?", EventProcessed).
		Select("avg(processing_ms)").
		Scan(&avg).Error; err != nil {
		return 0, fmt.Errorf("averaging processing time: %w", err)
	}

	if avg == nil {
		return 0, nil
	}

	return *avg, nil
}

// --- Permission grants ---

func (s *store) CreateGrant(ctx context.Context, g *PermissionGrant) error {
	if err := s.db.WithContext(ctx).Create(g).Error; err != nil {
		return fmt.Errorf("creating grant: %w", err)
	}

	return nil
}

func (s *store) SaveGrant(ctx context.Context, g *PermissionGrant) error {
	if err := s.db.WithContext(ctx).Save(g).Error; err != nil {
		return fmt.Errorf("saving grant: %w", err)
	}

	return nil
}

func (s *store) FindGrant(
	ctx context.Context, grantType, resourceID, userID string,
) (*PermissionGrant, error) {
	var g PermissionGrant
	if err := s.db.WithContext(ctx).
		Where(
			"grant_type = ? AND resource_id = ? AND user_id = ?",
			grantType, resourceID, userID,
		).
		First(&g).Error; err != nil {
		return nil, wrapNotFound(err, "finding grant")
	}

	return &g, nil
}

func (s *store) DeleteGrant(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Delete(&PermissionGrant{}, id).Error; err != nil {
		return fmt.Errorf("deleting grant: %w", err)
	}

	return nil
}

func (s *store) ListGrantsForUser(
	ctx context.Context, userID string,
) ([]PermissionGrant, error) {
	var grants []PermissionGrant
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("listing grants for user: %w", err)
	}

	return grants, nil
}

func (s *store) ListGrantsForResource(
	ctx context.Context, grantType, resourceID string,
) ([]PermissionGrant, error) {
	var grants []PermissionGrant
	if err := s.db.WithContext(ctx).
		Where("grant_type = ? AND resource_id = ?", grantType, resourceID).
		Order("id ASC").
		Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("listing grants for resource: %w", err)
	}

	return grants, nil
}
