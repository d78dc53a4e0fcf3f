package events

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-paygate/internal/common"
)

// NotesHandler exposes the order notes trail to operators.
type NotesHandler struct {
	Events Lister
}

type noteResp struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// List returns the notes recorded for the order in the orderId URL parameter.
func (h NotesHandler) List(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "orderId is required", nil)
		return
	}
	evs, err := h.Events.List(r.Context(), orderID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "could not load order notes", nil)
		return
	}
	out := make([]noteResp, 0, len(evs))
	for _, ev := range evs {
		out = append(out, noteResp{ID: ev.ID, Topic: ev.Topic, Payload: ev.Payload, OccurredAt: ev.OccurredAt})
	}
	common.JSON(w, http.StatusOK, map[string]any{"orderId": orderID, "notes": out})
}
