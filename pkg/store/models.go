package store

import (
	"time"
)

// Instance types.
const (
	InstanceSelfHosted = "self_hosted"
	InstanceGitLabCom  = "gitlab_com"
)

// Sync result classifications.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Queued event statuses.
const (
	EventPending    = "pending"
	EventProcessing = "processing"
	EventProcessed  = "processed"
	EventFailed     = "failed"
	EventSkipped    = "skipped"
)

// Permission grant types and levels.
const (
	GrantInstance = "instance"
	GrantProject  = "project"

	LevelRead  = "read"
	LevelWrite = "write"
	LevelAdmin = "admin"
)

// Planning entity types bridged to GitLab epics.
const (
	EntityRequirement   = "requirement"
	EntitySubsystem     = "subsystem"
	EntityFeatureModule = "feature_module"
)

// Instance is a configured remote GitLab server connection.
type Instance struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Name           string    `gorm:"not null" json:"name"`
	BaseURL        string    `gorm:"index;not null" json:"base_url"`
	EncryptedToken string    `gorm:"not null" json:"-"`
	WebhookSecret  string    `json:"-"`
	InstanceType   string    `gorm:"not null" json:"instance_type"`
	Active         bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProjectMapping associates a local project with a remote GitLab project.
type ProjectMapping struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	LocalProjectID string    `gorm:"index;not null" json:"local_project_id"`
	InstanceID     uint      `gorm:"index;not null" json:"instance_id"`
	RemoteID       int64     `gorm:"not null" json:"remote_id"`
	RemotePath     string    `json:"remote_path"`
	SyncEnabled    bool      `gorm:"not null;default:true" json:"sync_enabled"`
	Active         bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// GroupMapping associates a local project with a remote GitLab group.
type GroupMapping struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	LocalProjectID string    `gorm:"index;not null" json:"local_project_id"`
	InstanceID     uint      `gorm:"index;not null" json:"instance_id"`
	RemoteID       int64     `gorm:"not null" json:"remote_id"`
	RemotePath     string    `json:"remote_path"`
	SyncEnabled    bool      `gorm:"not null;default:true" json:"sync_enabled"`
	Active         bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EpicLink maps a local planning entity to a remote GitLab epic.
type EpicLink struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	LocalProjectID string     `gorm:"index;not null" json:"local_project_id"`
	InstanceID     uint       `gorm:"index;not null" json:"instance_id"`
	GroupID        int64      `gorm:"not null" json:"group_id"`
	EpicID         int64      `gorm:"not null" json:"epic_id"`
	EntityType     string     `gorm:"index;not null" json:"entity_type"`
	EntityID       string     `gorm:"index;not null" json:"entity_id"`
	Active         bool       `gorm:"not null;default:true" json:"active"`
	LastSyncAt     *time.Time `json:"last_sync_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PlanningEntity is the local planning item bridged to a GitLab epic
// (requirement, subsystem, or feature module).
type PlanningEntity struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	LocalProjectID string    `gorm:"index;not null" json:"local_project_id"`
	EntityType     string    `gorm:"not null" json:"entity_type"`
	Title          string    `gorm:"not null" json:"title"`
	Description    string    `json:"description"`
	Status         string    `gorm:"not null;default:open" json:"status"`
	Priority       string    `json:"priority"`
	Labels         string    `json:"labels"` // comma-joined
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SyncRecord is the immutable terminal summary of one sync run.
type SyncRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	InstanceID   uint      `gorm:"index;not null" json:"instance_id"`
	SyncType     string    `gorm:"not null" json:"sync_type"`
	Result       string    `gorm:"not null" json:"result"`
	Processed    int       `json:"processed"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	Skipped      int       `json:"skipped"`
	Errors       string    `json:"errors"` // JSON array of step errors
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// QueuedEvent is a durable webhook event awaiting or undergoing processing.
type QueuedEvent struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	InstanceID     uint       `gorm:"index;not null" json:"instance_id"`
	ObjectKind     string     `gorm:"not null" json:"object_kind"`
	RemoteObjectID int64      `json:"remote_object_id"`
	DedupKey       string     `gorm:"uniqueIndex;not null" json:"dedup_key"`
	Payload        string     `gorm:"not null" json:"-"`
	Status         string     `gorm:"index;not null;default:pending" json:"status"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts    int        `gorm:"not null" json:"max_attempts"`
	LastError      string     `json:"last_error,omitempty"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	ProcessingMS   int64      `json:"processing_ms"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Retryable reports whether the event may be manually retried.
func (e *QueuedEvent) Retryable() bool {
	switch e.Status {
	case EventFailed, EventSkipped:
		return true
	default:
		return false
	}
}

// PermissionGrant is a per-user grant on an instance or project.
type PermissionGrant struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	GrantType  string    `gorm:"index:idx_grant,unique;not null" json:"grant_type"`
	ResourceID string    `gorm:"index:idx_grant,unique;not null" json:"resource_id"`
	UserID     string    `gorm:"index:idx_grant,unique;not null" json:"user_id"`
	Level      string    `gorm:"not null" json:"level"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
