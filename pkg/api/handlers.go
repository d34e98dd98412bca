package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/permission"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/registry"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/syncer"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// messageResponse acknowledges an accepted operation.
type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps a domain error to its HTTP status and envelope.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		writeJSON(w, apperrors.HTTPStatus(appErr), errorResponse{appErr.Message})

		return
	}

	writeJSON(w, http.StatusInternalServerError,
		errorResponse{"internal server error"})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Validation("malformed request body: %v", err)
	}

	return nil
}

func idParam(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)

	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, apperrors.Validation("invalid %s %q", name, raw)
	}

	return uint(id), nil
}

func mappingKindParam(r *http.Request) (registry.MappingKind, error) {
	switch kind := chi.URLParam(r, "kind"); kind {
	case "projects":
		return registry.KindProject, nil
	case "groups":
		return registry.KindGroup, nil
	default:
		return "", apperrors.Validation("unknown mapping kind %q", kind)
	}
}

// --- Public handlers ---

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"cache": s.cache.Stats(),
	}

	if s.monitor != nil {
		resp["host"] = s.monitor.Latest()
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Instance handlers ---

func (s *server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	insts, err := s.instances.List(r.Context(), activeOnly)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, insts)
}

func (s *server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var in registry.InstanceInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)

		return
	}

	inst, err := s.instances.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, inst)
}

func (s *server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	inst, err := s.instances.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, inst)
}

func (s *server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	var in registry.InstanceInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)

		return
	}

	inst, err := s.instances.Update(r.Context(), id, in)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, inst)
}

func (s *server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	if err := s.instances.Delete(r.Context(), id); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, messageResponse{true, "instance deleted"})
}

func (s *server) handleTestInstance(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	if err := s.instances.TestConnection(r.Context(), id); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, messageResponse{true, "connection ok"})
}

// --- Mapping handlers ---

func (s *server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	kind, err := mappingKindParam(r)
	if err != nil {
		writeError(w, err)

		return
	}

	instanceID, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	mappings, err := s.mappings.List(r.Context(), kind, instanceID)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, mappings)
}

func (s *server) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	kind, err := mappingKindParam(r)
	if err != nil {
		writeError(w, err)

		return
	}

	instanceID, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	var in registry.MappingInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)

		return
	}

	in.InstanceID = instanceID

	mapping, err := s.mappings.Create(r.Context(), kind, in)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, mapping)
}

type mappingUpdateRequest struct {
	SyncEnabled *bool `json:"sync_enabled"`
	Active      *bool `json:"active"`
}

func (s *server) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	kind, err := mappingKindParam(r)
	if err != nil {
		writeError(w, err)

		return
	}

	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	var in mappingUpdateRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)

		return
	}

	mapping, err := s.mappings.Update(
		r.Context(), kind, id, in.SyncEnabled, in.Active)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, mapping)
}

func (s *server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	kind, err := mappingKindParam(r)
	if err != nil {
		writeError(w, err)

		return
	}

	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	if err := s.mappings.Delete(r.Context(), kind, id); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, messageResponse{true, "mapping deleted"})
}

// --- Sync handlers ---

type startSyncRequest struct {
	Type      string `json:"type"`
	ProjectID int64  `json:"project_id"`
}

func (s *server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	req := startSyncRequest{Type: syncer.TypeIncremental}

	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)

			return
		}
	}

	status, err := s.orch.StartSync(r.Context(), id, req.Type, req.ProjectID)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, status)
}

func (s *server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	status, err := s.orch.Status(id)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	history, err := s.orch.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, history)
}

func (s *server) handleStopSync(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	if err := s.orch.StopSync(id); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, messageResponse{true, "sync stop requested"})
}

func (s *server) handleResetSync(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	s.orch.Reset(id)

	writeJSON(w, http.StatusOK, messageResponse{true, "sync state reset"})
}

// syncConfigView renders durations in their human form.
type syncConfigView struct {
	BatchSize      int    `json:"batch_size"`
	Concurrency    int    `json:"concurrency"`
	Timeout        string `json:"timeout"`
	MaxRetries     int    `json:"max_retries"`
	RetryInterval  string `json:"retry_interval"`
	EnableAutoSync bool   `json:"enable_auto_sync"`
	SyncInterval   string `json:"sync_interval"`
}

func viewSyncConfig(cfg syncer.Config) syncConfigView {
	return syncConfigView{
		BatchSize:      cfg.BatchSize,
		Concurrency:    cfg.Concurrency,
		Timeout:        cfg.Timeout.String(),
		MaxRetries:     cfg.MaxRetries,
		RetryInterval:  cfg.RetryInterval.String(),
		EnableAutoSync: cfg.EnableAutoSync,
		SyncInterval:   cfg.SyncInterval.String(),
	}
}

func (s *server) handleGetSyncConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewSyncConfig(s.orch.Config()))
}

type syncConfigUpdateRequest struct {
	BatchSize      *int    `json:"batch_size"`
	Concurrency    *int    `json:"concurrency"`
	Timeout        *string `json:"timeout"`
	MaxRetries     *int    `json:"max_retries"`
	RetryInterval  *string `json:"retry_interval"`
	EnableAutoSync *bool   `json:"enable_auto_sync"`
	SyncInterval   *string `json:"sync_interval"`
}

func (s *server) handleUpdateSyncConfig(w http.ResponseWriter, r *http.Request) {
	var req syncConfigUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)

		return
	}

	upd := syncer.ConfigUpdate{
		BatchSize:      req.BatchSize,
		Concurrency:    req.Concurrency,
		MaxRetries:     req.MaxRetries,
		EnableAutoSync: req.EnableAutoSync,
	}

	parse := func(name string, raw *string) (*time.Duration, error) {
		if raw == nil {
			return nil, nil
		}

		d, err := time.ParseDuration(*raw)
		if err != nil {
			return nil, apperrors.Validation("invalid %s %q", name, *raw)
		}

		return &d, nil
	}

	var err error

	if upd.Timeout, err = parse("timeout", req.Timeout); err != nil {
		writeError(w, err)

		return
	}

	if upd.RetryInterval, err = parse("retry_interval", req.RetryInterval); err != nil {
		writeError(w, err)

		return
	}

	if upd.SyncInterval, err = parse("sync_interval", req.SyncInterval); err != nil {
		writeError(w, err)

		return
	}

	cfg, err := s.orch.UpdateConfig(upd)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, viewSyncConfig(cfg))
}

// --- Event handlers ---

func (s *server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	list, err := s.queue.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, list)
}

func (s *server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleEventHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.queue.Health(r.Context())
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, health)
}

func (s *server) handleRetryEvent(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	if err := s.queue.Retry(r.Context(), id); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, messageResponse{true, "event re-queued"})
}

func (s *server) handleRetryAllEvents(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.RetryAll(r.Context())
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"retried": n,
	})
}

// --- Epic handlers ---

type epicPushRequest struct {
	EntityID string `json:"entity_id"`
}

func (s *server) handleEpicPush(w http.ResponseWriter, r *http.Request) {
	var req epicPushRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)

		return
	}

	if req.EntityID == "" {
		writeError(w, apperrors.Validation("entity id is required"))

		return
	}

	link, err := s.bridge.PushToRemote(r.Context(), req.EntityID)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, link)
}

type epicPullRequest struct {
	InstanceID uint  `json:"instance_id"`
	GroupID    int64 `json:"group_id"`
	EpicIID    int64 `json:"epic_iid"`
}

func (s *server) handleEpicPull(w http.ResponseWriter, r *http.Request) {
	var req epicPullRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)

		return
	}

	entity, err := s.bridge.PullFromRemote(
		r.Context(), req.InstanceID, req.GroupID, req.EpicIID)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, entity)
}

func (s *server) handleEpicUnlink(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)

		return
	}

	if err := s.bridge.Unlink(r.Context(), id); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, messageResponse{true, "epic link removed"})
}

// --- Permission handlers ---

func (s *server) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	allowed, err := s.ledger.Check(r.Context(),
		q.Get("type"), q.Get("resource_id"), q.Get("user_id"), q.Get("level"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (s *server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	var g permission.Grant
	if err := decodeBody(r, &g); err != nil {
		writeError(w, err)

		return
	}

	if err := s.ledger.Grant(r.Context(), g); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, messageResponse{true, "permission granted"})
}

type revokeRequest struct {
	GrantType  string `json:"grant_type"`
	ResourceID string `json:"resource_id"`
	UserID     string `json:"user_id"`
}

func (s *server) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)

		return
	}

	if err := s.ledger.Revoke(
		r.Context(), req.GrantType, req.ResourceID, req.UserID); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, messageResponse{true, "permission revoked"})
}

func (s *server) handleListUserPermissions(w http.ResponseWriter, r *http.Request) {
	grants, err := s.ledger.ListForUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, grants)
}

func (s *server) handleListResourcePermissions(w http.ResponseWriter, r *http.Request) {
	grants, err := s.ledger.ListForResource(
		r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, grants)
}
