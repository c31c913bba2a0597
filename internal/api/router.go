package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/practices/{id}/aggregate", h.AggregatePractice)
	mux.HandleFunc("POST /v1/aggregate", h.AggregateAll)
	mux.HandleFunc("POST /v1/dispatch/tick", h.DispatchTick)

	mux.HandleFunc("GET /v1/sms/history", h.ListHistory)
	mux.HandleFunc("GET /v1/sms/stats", h.Stats)
	mux.HandleFunc("POST /v1/followups", h.FollowUps)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("vet-reminder-sms"))
	})

	return mux
}
