package moisson

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/moisson/idgen"
	"github.com/hazyhaar/moisson/kit"
)

// RegisterHTTP mounts the operator API on a chi router.
func (svc *Service) RegisterHTTP(r chi.Router) {
	r.Use(svc.requestID)

	r.Get("/healthz", svc.handleHealthz)
	r.Get("/api/targets", svc.handleTargets)
	r.Get("/api/targets/{id}/state", svc.handleTargetState)
	r.Post("/api/targets/{id}/run", svc.handleRunNow)
	r.Post("/api/targets/{id}/enable", svc.handleEnable)
	r.Post("/api/targets/{id}/disable", svc.handleDisable)
	r.Get("/api/targets/{id}/records", svc.handleRecords)
	r.Get("/api/targets/{id}/runs", svc.handleRunHistory)
}

func (svc *Service) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithRequestID(r.Context(), idgen.Prefixed("req_", idgen.Default)())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (svc *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (svc *Service) handleTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := svc.Targets(r.Context())
	if err != nil {
		svc.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func (svc *Service) handleTargetState(w http.ResponseWriter, r *http.Request) {
	state, err := svc.TargetState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		svc.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (svc *Service) handleRunNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := svc.RunNow(r.Context(), id); err != nil {
		svc.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"target_id": id, "status": "triggered"})
}

func (svc *Service) handleEnable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := svc.Enable(r.Context(), id); err != nil {
		svc.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target_id": id, "status": "enabled"})
}

func (svc *Service) handleDisable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := svc.Disable(r.Context(), id); err != nil {
		svc.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target_id": id, "status": "disabled"})
}

func (svc *Service) handleRecords(w http.ResponseWriter, r *http.Request) {
	records, err := svc.Records(r.Context(), chi.URLParam(r, "id"), queryLimit(r, 100))
	if err != nil {
		svc.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (svc *Service) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	runs, err := svc.RunHistory(r.Context(), chi.URLParam(r, "id"), queryLimit(r, 50))
	if err != nil {
		svc.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []RunLogEntry{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (svc *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownTarget):
		status = http.StatusNotFound
	case errors.Is(err, ErrRunInFlight), errors.Is(err, ErrTargetDisabled):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		svc.logger.Error("api error", "path", r.URL.Path,
			"request_id", kit.GetRequestID(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
