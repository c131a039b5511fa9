package controller

import (
	"net/http"
	"strconv"
	"strings"

	appOutbox "github.com/cassiomorais/outbox/internal/application/outbox"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const defaultListLimit = 50

// OutboxController exposes the operator API over outbox records.
type OutboxController struct {
	admin *appOutbox.Admin
}

func NewOutboxController(admin *appOutbox.Admin) *OutboxController {
	return &OutboxController{admin: admin}
}

func (h *OutboxController) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.admin.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromStats(stats))
}

// List returns records in ?status= (default FAILED), oldest first.
func (h *OutboxController) List(w http.ResponseWriter, r *http.Request) {
	status := outbox.StatusFailed
	if s := r.URL.Query().Get("status"); s != "" {
		status = outbox.Status(strings.ToUpper(s))
		if !status.IsValid() {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid status " + s, Code: "invalid_status"})
			return
		}
	}

	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit", Code: "invalid_limit"})
			return
		}
		limit = n
	}

	recs, err := h.admin.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := OutboxListResponse{Status: string(status), Records: make([]*OutboxRecordResponse, 0, len(recs))}
	for _, rec := range recs {
		resp.Records = append(resp.Records, FromRecord(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OutboxController) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	rec, err := h.admin.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromRecord(rec))
}

// Requeue hands a FAILED record back to the relay with a fresh attempt budget.
func (h *OutboxController) Requeue(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	rec, err := h.admin.Requeue(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromRecord(rec))
}

func recordID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid record id", Code: "invalid_id"})
		return uuid.Nil, false
	}
	return id, true
}
