package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assistdesk/relay/internal/events"
	"github.com/assistdesk/relay/internal/notifications"
	"github.com/assistdesk/relay/internal/relay"
	"github.com/assistdesk/relay/internal/takeover"
	"github.com/assistdesk/relay/pkg/models"
)

func newTestDaemon(t *testing.T) *daemon {
	t.Helper()
	bus := events.NewBus(nil)
	manager := relay.NewManager(relay.NewWebsocketDialer(), bus, nil)
	t.Cleanup(manager.Close)
	persister := notifications.NewMemoryPersister()
	return &daemon{
		manager:     manager,
		store:       notifications.NewStore("test", persister, bus, nil),
		history:     notifications.NewHistory("test", persister, nil),
		coordinator: takeover.NewCoordinator(nil, bus, nil),
	}
}

func TestHealthzReportsConnections(t *testing.T) {
	mux := buildMux(newTestDaemon(t))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestNotificationEndpoints(t *testing.T) {
	d := newTestDaemon(t)
	d.store.Append(models.NotificationRecord{ID: "n1", EventType: "message", Message: "hi"})
	mux := buildMux(d)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/notifications", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unread":1`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/notifications/read",
		strings.NewReader(`{"id":"n1"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unread":0`)
}

func TestSendBlockedWhileAIManaged(t *testing.T) {
	mux := buildMux(newTestDaemon(t))

	// No takeover yet: the conversation is AI-managed and operator sends
	// must be refused regardless of connection state.
	body := `{"conversation":{"channel":"whatsapp","phone_number":"+1555","customer_number":"+1666"},"message":"hello"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/send", strings.NewReader(body)))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendRefusedWithoutOpenConnection(t *testing.T) {
	mux := buildMux(newTestDaemon(t))

	keyJSON := `{"channel":"whatsapp","phone_number":"+1555","customer_number":"+1666"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/takeover",
		strings.NewReader(`{"conversation":`+keyJSON+`}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/send",
		strings.NewReader(`{"conversation":`+keyJSON+`,"message":"hello"}`)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHistoryRejectsInvalidKey(t *testing.T) {
	mux := buildMux(newTestDaemon(t))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?channel=whatsapp", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconnectRequiresValidKey(t *testing.T) {
	mux := buildMux(newTestDaemon(t))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/reconnect",
		strings.NewReader(`{"conversation":{"channel":"whatsapp"}}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/reconnect",
		strings.NewReader(`{"conversation":{"channel":"whatsapp","phone_number":"+1555","customer_number":"+1666"}}`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
