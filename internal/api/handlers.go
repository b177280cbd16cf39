package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/LeventeLantos/outbound-dispatch/internal/cache"
	"github.com/LeventeLantos/outbound-dispatch/internal/engine"
	"github.com/LeventeLantos/outbound-dispatch/internal/model"
	"github.com/LeventeLantos/outbound-dispatch/internal/queue"
	"github.com/LeventeLantos/outbound-dispatch/internal/repo"
)

type SchedulerControl interface {
	Start(ctx context.Context) bool
	Stop() bool
	IsRunning() bool
}

type Triggerer interface {
	TriggerCampaignExecution(ctx context.Context, id int64) (model.ExecutionLog, error)
	TriggerMessageExecution(ctx context.Context, id int64) (model.ExecutionLog, error)
}

type Validator interface {
	ValidateCampaign(in engine.CampaignInput) engine.ValidationResult
	ValidateScheduledMessage(in engine.ScheduledMessageInput) engine.ValidationResult
	ValidateCampaignForExecution(ctx context.Context, id int64) (engine.ValidationResult, error)
}

type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (int64, error)
	Cancel(ctx context.Context, id int64) error
	ListCompleted(ctx context.Context, limit, offset int) ([]model.QueuedMessage, error)
	Receipt(ctx context.Context, id int64) (cache.Receipt, error)
}

type Creator interface {
	CreateCampaign(ctx context.Context, c model.Campaign) (int64, error)
	CreateScheduled(ctx context.Context, m model.ScheduledMessage) (int64, error)
}

type BreakerStates interface {
	States() map[string]string
}

type Deps struct {
	Scheduler SchedulerControl
	Engine    Triggerer
	Validator Validator
	Queue     Queue
	Store     Creator
	Breakers  BreakerStates
	// BaseContext parents a scheduler started over HTTP. Defaults to
	// context.Background.
	BaseContext context.Context
}

type Handler struct {
	Deps
}

func NewHandler(d Deps) *Handler {
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	return &Handler{Deps: d}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"ok": true}
	if h.Breakers != nil {
		body["breakers"] = h.Breakers.States()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.Scheduler.IsRunning()})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Start(h.BaseContext)
	writeJSON(w, http.StatusOK, map[string]any{"running": h.Scheduler.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.Scheduler.IsRunning()})
}

type createCampaignRequest struct {
	engine.CampaignInput
	// Status is draft or scheduled. Defaults to scheduled.
	Status model.CampaignStatus `json:"status"`
}

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch req.Status {
	case "":
		req.Status = model.CampaignScheduled
	case model.CampaignDraft, model.CampaignScheduled:
	default:
		writeError(w, http.StatusBadRequest, "status must be draft or scheduled")
		return
	}

	result := h.Validator.ValidateCampaign(req.CampaignInput)
	if !result.IsValid {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	c := req.Campaign()
	c.Status = req.Status
	id, err := h.Store.CreateCampaign(r.Context(), c)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "validation": result})
}

func (h *Handler) ValidateCampaign(w http.ResponseWriter, r *http.Request) {
	var in engine.CampaignInput
	if !decodeBody(w, r, &in) {
		return
	}
	writeJSON(w, http.StatusOK, h.Validator.ValidateCampaign(in))
}

func (h *Handler) ValidateCampaignForExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := h.Validator.ValidateCampaignForExecution(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) ExecuteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	// A started execution finishes even if the caller goes away.
	entry, err := h.Engine.TriggerCampaignExecution(context.WithoutCancel(r.Context()), id)
	writeExecution(w, entry, err)
}

func (h *Handler) CreateScheduledMessage(w http.ResponseWriter, r *http.Request) {
	var in engine.ScheduledMessageInput
	if !decodeBody(w, r, &in) {
		return
	}

	result := h.Validator.ValidateScheduledMessage(in)
	if !result.IsValid {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	id, err := h.Store.CreateScheduled(r.Context(), in.ScheduledMessage())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "validation": result})
}

func (h *Handler) ValidateScheduledMessage(w http.ResponseWriter, r *http.Request) {
	var in engine.ScheduledMessageInput
	if !decodeBody(w, r, &in) {
		return
	}
	writeJSON(w, http.StatusOK, h.Validator.ValidateScheduledMessage(in))
}

func (h *Handler) ExecuteScheduledMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entry, err := h.Engine.TriggerMessageExecution(context.WithoutCancel(r.Context()), id)
	writeExecution(w, entry, err)
}

type enqueueRequest struct {
	Recipient   string            `json:"recipient"`
	Body        string            `json:"body"`
	Origin      model.Origin      `json:"origin"`
	Priority    string            `json:"priority"`
	Type        string            `json:"type"`
	Metadata    map[string]string `json:"metadata"`
	ScheduledAt *time.Time        `json:"scheduledAt"`
	MaxRetries  *int              `json:"maxRetries"`
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}

	priority, err := model.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Origin {
	case "", model.OriginUser, model.OriginSystem:
	default:
		writeError(w, http.StatusBadRequest, "origin must be user or system")
		return
	}

	er := queue.EnqueueRequest{
		Recipient:  req.Recipient,
		Body:       req.Body,
		Origin:     req.Origin,
		Priority:   priority,
		Type:       req.Type,
		Metadata:   req.Metadata,
		MaxRetries: req.MaxRetries,
	}
	if req.ScheduledAt != nil {
		er.ScheduledAt = req.ScheduledAt.UTC()
	}

	id, err := h.Queue.Enqueue(r.Context(), er)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *Handler) CancelQueued(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Queue.Cancel(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (h *Handler) QueuedReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	receipt, err := h.Queue.Receipt(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) ListSentMessages(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.Queue.ListCompleted(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []model.QueuedMessage{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, cache.ErrMiss):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrAlreadyClaimed), errors.Is(err, queue.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvalidRecipient), errors.Is(err, queue.ErrEmptyBody), errors.Is(err, queue.ErrNegativeRetries):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeExecution(w http.ResponseWriter, entry model.ExecutionLog, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, entry)
		return
	}
	status := statusFor(err)
	if status == http.StatusUnprocessableEntity {
		writeJSON(w, status, map[string]any{"error": err.Error(), "log": entry})
		return
	}
	writeError(w, status, err.Error())
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
