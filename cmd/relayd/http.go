package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/assistdesk/relay/internal/api"
	"github.com/assistdesk/relay/internal/notifications"
	"github.com/assistdesk/relay/internal/relay"
	"github.com/assistdesk/relay/internal/takeover"
	"github.com/assistdesk/relay/internal/wire"
	"github.com/assistdesk/relay/pkg/models"
)

// daemon bundles the wired components the HTTP handlers act on.
type daemon struct {
	manager     *relay.Manager
	store       *notifications.Store
	history     *notifications.History
	coordinator *takeover.Coordinator
	backend     *api.Client
	logger      *slog.Logger
}

func buildMux(d *daemon) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", d.handleHealthz)
	mux.HandleFunc("GET /api/notifications", d.handleListNotifications)
	mux.HandleFunc("POST /api/notifications/read", d.handleMarkRead)
	mux.HandleFunc("POST /api/notifications/resolve", d.handleResolve)
	mux.HandleFunc("POST /api/notifications/delete", d.handleDelete)
	mux.HandleFunc("POST /api/notifications/assign", d.handleAssign)
	mux.HandleFunc("GET /api/history", d.handleHistory)
	mux.HandleFunc("POST /api/send", d.handleSend)
	mux.HandleFunc("POST /api/takeover", d.handleTakeover)
	mux.HandleFunc("POST /api/handover", d.handleHandover)
	mux.HandleFunc("POST /api/reconnect", d.handleReconnect)
	return mux
}

func (d *daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	states := d.manager.States()
	connections := make(map[string]string, len(states))
	for key, state := range states {
		connections[key] = state.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": connections,
	})
}

func (d *daemon) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": d.store.All(),
		"unread":        d.store.UnreadCount(),
	})
}

func (d *daemon) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	d.store.MarkRead(req.ID)
	writeJSON(w, http.StatusOK, map[string]any{"unread": d.store.UnreadCount()})
}

func (d *daemon) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	// The backend is authoritative for resolution; the local flag only
	// flips once it has accepted the change.
	if d.backend != nil {
		if err := d.backend.ResolveNotification(r.Context(), req.ID); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
	}
	d.store.MarkResolved(req.ID)
	writeJSON(w, http.StatusOK, map[string]any{"unread": d.store.UnreadCount()})
}

func (d *daemon) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Assignee string `json:"assignee"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if d.backend != nil {
		if err := d.backend.AssignNotification(r.Context(), req.ID, req.Assignee); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
	}
	d.store.Assign(req.ID, req.Assignee)
	w.WriteHeader(http.StatusOK)
}

func (d *daemon) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if d.backend != nil {
		if err := d.backend.DeleteNotification(r.Context(), req.ID); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
	}
	d.store.Remove(req.ID)
	writeJSON(w, http.StatusOK, map[string]any{"unread": d.store.UnreadCount()})
}

func (d *daemon) handleHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": key,
		"messages":     d.history.Thread(key),
	})
}

func (d *daemon) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Conversation models.ConversationKey `json:"conversation"`
		Message      string                 `json:"message"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !d.coordinator.HumanControlled(req.Conversation) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "conversation is AI-managed; take over before replying",
		})
		return
	}
	if !d.manager.Send(req.Conversation, wire.SenderHuman, req.Message) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "connection is not open; message was not sent",
		})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (d *daemon) handleTakeover(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromBody(w, r)
	if !ok {
		return
	}
	if err := d.coordinator.Takeover(r.Context(), key); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, d.coordinator.State(key))
}

func (d *daemon) handleHandover(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromBody(w, r)
	if !ok {
		return
	}
	if err := d.coordinator.Handover(r.Context(), key); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, d.coordinator.State(key))
}

func (d *daemon) handleReconnect(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromBody(w, r)
	if !ok {
		return
	}
	d.manager.Reconnect(key)
	w.WriteHeader(http.StatusAccepted)
}

func keyFromBody(w http.ResponseWriter, r *http.Request) (models.ConversationKey, bool) {
	var req struct {
		Conversation models.ConversationKey `json:"conversation"`
	}
	if !decodeJSON(w, r, &req) {
		return models.ConversationKey{}, false
	}
	if !req.Conversation.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid conversation key"})
		return models.ConversationKey{}, false
	}
	return req.Conversation, true
}

func keyFromQuery(w http.ResponseWriter, r *http.Request) (models.ConversationKey, bool) {
	q := r.URL.Query()
	var key models.ConversationKey
	switch models.ChannelType(q.Get("channel")) {
	case models.ChannelWhatsApp:
		key = models.NewWhatsAppKey(q.Get("phone_number"), q.Get("customer_number"))
	case models.ChannelWebsite:
		key = models.NewWebsiteKey(q.Get("widget_key"), q.Get("visitor_id"))
	}
	if !key.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid conversation key"})
		return models.ConversationKey{}, false
	}
	return key, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
