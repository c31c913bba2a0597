package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/LeventeLantos/vet-reminder-sms/internal/aggregation"
	"github.com/LeventeLantos/vet-reminder-sms/internal/dispatch"
	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
	"github.com/LeventeLantos/vet-reminder-sms/internal/repo"
	"github.com/LeventeLantos/vet-reminder-sms/internal/scheduler"
)

type DispatchTicker interface {
	Tick(ctx context.Context) (dispatch.TickResult, error)
}

type AggregationFanOut interface {
	RunAll(ctx context.Context, enqueue aggregation.EnqueueFunc) (int, error)
}

type FollowUpRecorder interface {
	FollowUp(ctx context.Context, updated []model.PatientOutcome) (int, error)
}

type Deps struct {
	Scheduler *scheduler.Scheduler
	Dispatch  DispatchTicker
	Aggregate AggregationFanOut
	Enqueue   aggregation.EnqueueFunc
	Messages  repo.MessageRepository
	FollowUps FollowUpRecorder
}

type Handler struct {
	d   Deps
	now func() time.Time
}

func NewHandler(d Deps) *Handler {
	return &Handler{d: d, now: time.Now}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.d.Scheduler.IsRunning()})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.d.Scheduler.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.d.Scheduler.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.d.Scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.d.Scheduler.IsRunning()})
}

func (h *Handler) AggregatePractice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.d.Enqueue(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"practice_id": id, "enqueued": true})
}

func (h *Handler) AggregateAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.d.Aggregate.RunAll(r.Context(), h.d.Enqueue)
	if err != nil && n == 0 {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	body := map[string]any{"enqueued": n}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (h *Handler) DispatchTick(w http.ResponseWriter, r *http.Request) {
	res, err := h.d.Dispatch.Tick(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := model.HistoryStatus(q.Get("status"))
	switch status {
	case "", model.HistoryPending, model.HistorySent, model.HistoryError:
	default:
		http.Error(w, "status must be PENDING, SENT or ERROR", http.StatusBadRequest)
		return
	}

	items, err := h.d.Messages.ListHistory(r.Context(), model.HistoryFilter{
		Status:     status,
		PracticeID: q.Get("practice"),
		Limit:      parseInt(q.Get("limit"), 50),
		Offset:     parseInt(q.Get("offset"), 0),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []model.SMSHistory{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	days := parseInt(r.URL.Query().Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	since := model.DateOf(h.now()).AddDate(0, 0, -days)

	stats, err := h.d.Messages.HistoryStats(r.Context(), since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type followUpRequest struct {
	Patients []model.PatientOutcome `json:"patients"`
}

func (h *Handler) FollowUps(w http.ResponseWriter, r *http.Request) {
	var req followUpRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	for _, p := range req.Patients {
		if p.PatientID == "" {
			http.Error(w, "invalid body: patient id is required", http.StatusBadRequest)
			return
		}
	}

	n, err := h.d.FollowUps.FollowUp(r.Context(), req.Patients)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"followed": n})
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
