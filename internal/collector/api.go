package collector

import (
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/tendrl-inc-labs/go-sdk/internal/wire"
)

// maxOutboxBody bounds a POST /api/v1/outbox body.
const maxOutboxBody = 1 << 20

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status string `json:"status"` // "ok" or "outage"
	Stored int    `json:"stored"`
}

// MessageResponse is one received message in GET /api/v1/messages.
type MessageResponse struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	Tags       []string        `json:"tags,omitempty"`
	Entity     string          `json:"entity,omitempty"`
	Data       json.RawMessage `json:"data"`
	Timestamp  string          `json:"timestamp"`
	ReceivedAt string          `json:"received_at"`
}

// OutageRequest is the body of POST /api/v1/outage.
type OutageRequest struct {
	Down bool `json:"down"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// API is the HTTP handler for the collector's /api/v1/* endpoints. It lets a
// developer inspect what arrived and drive the outage switch and outbox.
type API struct {
	receiver *Receiver
	mux      *http.ServeMux
}

// NewAPI creates an API over r and registers all routes.
func NewAPI(r *Receiver) http.Handler {
	a := &API{receiver: r, mux: http.NewServeMux()}

	a.mux.HandleFunc("/api/v1/health", a.health)
	a.mux.HandleFunc("/api/v1/messages", a.messages)
	a.mux.HandleFunc("/api/v1/outage", a.outage)
	a.mux.HandleFunc("/api/v1/outbox", a.outbox)

	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// health returns GET /api/v1/health.
func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := HealthResponse{Status: "ok", Stored: len(a.receiver.Store().List())}
	if a.receiver.Outage() {
		resp.Status = "outage"
	}
	jsonResp(w, http.StatusOK, resp)
}

// messages returns GET /api/v1/messages: live messages in arrival order.
// ?limit=N keeps the newest N, ?tag=T keeps messages carrying tag T.
func (a *API) messages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonErr(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	jsonResp(w, http.StatusOK, recentMessages(a.receiver.Store(), q.Get("tag"), limit))
}

// outage returns the switch on GET and sets it on POST.
func (a *API) outage(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jsonResp(w, http.StatusOK, OutageRequest{Down: a.receiver.Outage()})
	case http.MethodPost:
		var req OutageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		a.receiver.SetOutage(req.Down)
		jsonResp(w, http.StatusOK, req)
	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// outbox queues the POSTed JSON document for the next message check.
func (a *API) outbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxOutboxBody))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if !json.Valid(body) {
		jsonErr(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}
	a.receiver.Push(json.RawMessage(body))
	w.WriteHeader(http.StatusAccepted)
}

// recentMessages lists st's live entries, filtered by tag when set and
// trimmed to the newest limit when limit > 0.
func recentMessages(st *Store, tag string, limit int) []MessageResponse {
	entries := st.List()
	out := make([]MessageResponse, 0, len(entries))
	for _, e := range entries {
		resp := toMessageResponse(e)
		if tag != "" && !slices.Contains(resp.Tags, tag) {
			continue
		}
		out = append(out, resp)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func toMessageResponse(e Entry) MessageResponse {
	m := e.Message
	resp := MessageResponse{
		ID:         m.ID,
		Source:     e.Source,
		Entity:     m.Dest,
		Data:       m.Data,
		Timestamp:  m.Timestamp,
		ReceivedAt: e.ReceivedAt.UTC().Format(wire.TimestampLayout),
	}
	if m.Context != nil {
		resp.Tags = m.Context.Tags
	}
	return resp
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
