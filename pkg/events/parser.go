// Package events receives GitLab webhook events, deduplicates them, and
// processes them through a durable retry queue.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
)

// Supported webhook object kinds.
const (
	KindIssue        = "issue"
	KindMergeRequest = "merge_request"
	KindPush         = "push"
	KindPipeline     = "pipeline"
	KindNote         = "note"
)

// Event is a parsed webhook delivery ready for queueing.
type Event struct {
	InstanceID     uint
	ObjectKind     string
	RemoteObjectID int64
	ProjectID      int64
	GroupID        int64
	Action         string
	Title          string
	UpdatedAt      string
	Payload        []byte
}

// DedupKey identifies one logical change of one remote object. Two
// deliveries of the same change collapse to the same key.
func (e *Event) DedupKey() string {
	return fmt.Sprintf("%d:%s:%d:%s",
		e.InstanceID, e.ObjectKind, e.RemoteObjectID, e.UpdatedAt)
}

// rawPayload covers the union of the supported GitLab webhook shapes.
type rawPayload struct {
	ObjectKind  string `mapstructure:"object_kind"`
	ProjectID   int64  `mapstructure:"project_id"`
	CheckoutSHA string `mapstructure:"checkout_sha"`

	Project struct {
		ID int64 `mapstructure:"id"`
	} `mapstructure:"project"`

	Group struct {
		ID int64 `mapstructure:"id"`
	} `mapstructure:"group"`

	ObjectAttributes struct {
		ID         int64  `mapstructure:"id"`
		IID        int64  `mapstructure:"iid"`
		Title      string `mapstructure:"title"`
		Action     string `mapstructure:"action"`
		Status     string `mapstructure:"status"`
		UpdatedAt  string `mapstructure:"updated_at"`
		FinishedAt string `mapstructure:"finished_at"`
	} `mapstructure:"object_attributes"`
}

// Parse decodes a webhook payload into a typed Event. objectKind may be
// empty, in which case the payload's object_kind is authoritative.
func Parse(instanceID uint, objectKind string, raw []byte) (*Event, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, apperrors.Validation("malformed webhook payload: %v", err)
	}

	var payload rawPayload

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &payload,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("building payload decoder: %w", err)
	}

	if err := decoder.Decode(generic); err != nil {
		return nil, apperrors.Validation("malformed webhook payload: %v", err)
	}

	kind := payload.ObjectKind
	if kind == "" {
		kind = objectKind
	}

	switch kind {
	case KindIssue, KindMergeRequest, KindPush, KindPipeline, KindNote:
	default:
		return nil, apperrors.Validation("unsupported object kind %q", kind)
	}

	projectID := payload.Project.ID
	if projectID == 0 {
		projectID = payload.ProjectID
	}

	if projectID == 0 && payload.Group.ID == 0 {
		return nil, apperrors.Validation(
			"webhook payload identifies neither project nor group")
	}

	ev := &Event{
		InstanceID: instanceID,
		ObjectKind: kind,
		ProjectID:  projectID,
		GroupID:    payload.Group.ID,
		Action:     payload.ObjectAttributes.Action,
		Title:      payload.ObjectAttributes.Title,
		Payload:    raw,
	}

	switch kind {
	case KindPush:
		// Pushes have no object id or update timestamp. The target
		// project plus the pushed head commit identify the change.
		ev.RemoteObjectID = projectID
		ev.UpdatedAt = payload.CheckoutSHA
	case KindPipeline:
		ev.RemoteObjectID = payload.ObjectAttributes.ID
		ev.UpdatedAt = payload.ObjectAttributes.FinishedAt
		if ev.UpdatedAt == "" {
			ev.UpdatedAt = payload.ObjectAttributes.Status
		}
	default:
		ev.RemoteObjectID = payload.ObjectAttributes.ID
		ev.UpdatedAt = payload.ObjectAttributes.UpdatedAt
	}

	if ev.RemoteObjectID == 0 {
		return nil, apperrors.Validation(
			"webhook payload has no object id for kind %q", kind)
	}

	return ev, nil
}
