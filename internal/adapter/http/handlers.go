package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Strob0t/storepilot/internal/domain/draft"
	"github.com/Strob0t/storepilot/internal/domain/event"
	"github.com/Strob0t/storepilot/internal/domain/playbook"
	"github.com/Strob0t/storepilot/internal/domain/rules"
	"github.com/Strob0t/storepilot/internal/domain/run"
	"github.com/Strob0t/storepilot/internal/domain/trigger"
	"github.com/Strob0t/storepilot/internal/middleware"
	"github.com/Strob0t/storepilot/internal/port/access"
	"github.com/Strob0t/storepilot/internal/service"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	defaultListLimit     = 50
	maxListLimit         = 200
)

// RunService is the engine surface the handlers use.
type RunService interface {
	CreateRun(ctx context.Context, req run.CreateRequest) (*run.Run, bool, error)
	GetRun(ctx context.Context, id, userID string) (*run.Run, error)
	ListRuns(ctx context.Context, filter run.ListFilter, userID string) ([]run.Run, error)
	RunEvents(ctx context.Context, id, userID string) ([]event.RunEvent, error)
}

// PlaybookService is the playbook, rules and draft surface the handlers use.
type PlaybookService interface {
	List() []playbook.Playbook
	Scope(ctx context.Context, projectID, playbookID, userID string, targetIDs []string) (*service.ScopePreview, error)
	GetRules(ctx context.Context, projectID, playbookID, userID string) (rules.Rules, error)
	SaveRules(ctx context.Context, projectID, playbookID, userID string, in *rules.Input) (rules.Rules, error)
	LatestDraft(ctx context.Context, projectID, playbookID, userID string) (*draft.Draft, error)
	EditDraftItem(ctx context.Context, draftID string, index int, value, userID string) (*draft.Draft, error)
}

// Handlers holds the HTTP handlers of the storepilot API.
type Handlers struct {
	Runs      RunService
	Playbooks PlaybookService
	Triggers  service.TriggerHandler
	Access    access.Checker

	validate *validator.Validate
}

// NewHandlers creates Handlers.
func NewHandlers(runs RunService, playbooks PlaybookService, triggers service.TriggerHandler, checker access.Checker) *Handlers {
	return &Handlers{
		Runs:      runs,
		Playbooks: playbooks,
		Triggers:  triggers,
		Access:    checker,
		validate:  validator.New(),
	}
}

// createRunRequest is the body of POST .../playbooks/{playbookID}/runs.
type createRunRequest struct {
	RunType        run.Type `json:"run_type" validate:"required,oneof=PREVIEW_GENERATE DRAFT_GENERATE APPLY"`
	TargetIDs      []string `json:"target_ids" validate:"omitempty,max=1000,dive,required"`
	SampleSize     int      `json:"sample_size" validate:"gte=0"`
	ScopeID        string   `json:"scope_id" validate:"required_if=RunType APPLY"`
	RulesHash      string   `json:"rules_hash" validate:"required_if=RunType APPLY"`
	IdempotencyKey string   `json:"idempotency_key" validate:"omitempty,max=200"`
}

type editItemRequest struct {
	Value *string `json:"value" validate:"required"`
}

type targetEventRequest struct {
	Automation string `json:"automation" validate:"omitempty,oneof=auto_fill_missing_metadata"`
}

// CreateRun handles POST /api/v1/projects/{projectID}/playbooks/{playbookID}/runs.
// 202 when a run was queued, 200 when an existing run answers the key.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createRunRequest](w, r)
	if !ok || !h.validateRequest(w, req) {
		return
	}

	key := req.IdempotencyKey
	if hk := strings.TrimSpace(r.Header.Get(headerIdempotencyKey)); hk != "" {
		key = hk
	}

	created, isNew, err := h.Runs.CreateRun(r.Context(), run.CreateRequest{
		ProjectID:      urlParam(r, "projectID"),
		PlaybookID:     urlParam(r, "playbookID"),
		UserID:         middleware.UserID(r.Context()),
		Type:           req.RunType,
		TargetIDs:      req.TargetIDs,
		SampleSize:     req.SampleSize,
		ScopeID:        req.ScopeID,
		RulesHash:      req.RulesHash,
		IdempotencyKey: key,
	})
	if err != nil {
		writeDomainError(w, err, "playbook not found")
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusAccepted
	}
	writeJSON(w, status, created)
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	rn, err := h.Runs.GetRun(r.Context(), urlParam(r, "id"), middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// ListRuns handles GET /api/v1/projects/{projectID}/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultListLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := h.Runs.ListRuns(r.Context(), run.ListFilter{
		ProjectID:  urlParam(r, "projectID"),
		PlaybookID: q.Get("playbook_id"),
		Type:       run.Type(q.Get("run_type")),
		Status:     run.Status(q.Get("status")),
		Limit:      limit,
	}, middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	if runs == nil {
		runs = []run.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// ListRunEvents handles GET /api/v1/runs/{id}/events
func (h *Handlers) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.Runs.RunEvents(r.Context(), urlParam(r, "id"), middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if evs == nil {
		evs = []event.RunEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// ListPlaybooks handles GET /api/v1/playbooks
func (h *Handlers) ListPlaybooks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Playbooks.List())
}

// GetScope handles GET /api/v1/projects/{projectID}/playbooks/{playbookID}/scope.
// An optional comma-separated target_ids query narrows the scope.
func (h *Handlers) GetScope(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("target_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	sp, err := h.Playbooks.Scope(r.Context(), urlParam(r, "projectID"), urlParam(r, "playbookID"), middleware.UserID(r.Context()), ids)
	if err != nil {
		writeDomainError(w, err, "playbook not found")
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

// GetRules handles GET /api/v1/projects/{projectID}/playbooks/{playbookID}/rules
func (h *Handlers) GetRules(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Playbooks.GetRules(r.Context(), urlParam(r, "projectID"), urlParam(r, "playbookID"), middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, err, "playbook not found")
		return
	}
	writeJSON(w, http.StatusOK, rulesResponse(rs))
}

// PutRules handles PUT /api/v1/projects/{projectID}/playbooks/{playbookID}/rules
func (h *Handlers) PutRules(w http.ResponseWriter, r *http.Request) {
	in, ok := readJSON[rules.Input](w, r)
	if !ok {
		return
	}
	rs, err := h.Playbooks.SaveRules(r.Context(), urlParam(r, "projectID"), urlParam(r, "playbookID"), middleware.UserID(r.Context()), &in)
	if err != nil {
		writeDomainError(w, err, "playbook not found")
		return
	}
	writeJSON(w, http.StatusOK, rulesResponse(rs))
}

func rulesResponse(rs rules.Rules) map[string]any {
	return map[string]any{"rules": rs, "rules_hash": rs.Hash()}
}

// GetLatestDraft handles GET /api/v1/projects/{projectID}/playbooks/{playbookID}/draft
func (h *Handlers) GetLatestDraft(w http.ResponseWriter, r *http.Request) {
	d, err := h.Playbooks.LatestDraft(r.Context(), urlParam(r, "projectID"), urlParam(r, "playbookID"), middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, err, "no draft for this playbook")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// EditDraftItem handles PATCH /api/v1/drafts/{id}/items/{index}
func (h *Handlers) EditDraftItem(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(urlParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	req, ok := readJSON[editItemRequest](w, r)
	if !ok || !h.validateRequest(w, req) {
		return
	}

	d, err := h.Playbooks.EditDraftItem(r.Context(), urlParam(r, "id"), index, *req.Value, middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, err, "draft not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// PostTargetEvent handles POST /api/v1/projects/{projectID}/targets/{targetID}/events
func (h *Handlers) PostTargetEvent(w http.ResponseWriter, r *http.Request) {
	if h.Triggers == nil {
		writeError(w, http.StatusServiceUnavailable, "automations are disabled")
		return
	}
	req, ok := readOptionalJSON[targetEventRequest](w, r)
	if !ok || !h.validateRequest(w, req) {
		return
	}

	projectID := urlParam(r, "projectID")
	if err := h.Access.AssertCanGenerate(r.Context(), projectID, middleware.UserID(r.Context())); err != nil {
		writeDomainError(w, err, "project not found")
		return
	}

	res, err := h.Triggers.Handle(r.Context(), trigger.Event{
		ProjectID:  projectID,
		TargetID:   urlParam(r, "targetID"),
		Automation: req.Automation,
	})
	if err != nil {
		writeDomainError(w, err, "target not found")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}
