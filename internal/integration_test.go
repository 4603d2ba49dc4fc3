package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-counter-backend/config"
	"ticket-counter-backend/internal/api"
	"ticket-counter-backend/internal/auth"
	"ticket-counter-backend/internal/broadcast"
	"ticket-counter-backend/internal/db"
	"ticket-counter-backend/internal/guard"
	"ticket-counter-backend/internal/pubsub"
	"ticket-counter-backend/internal/queue"
	"ticket-counter-backend/internal/store"
)

// TestCounterLifecycle runs a morning at the bakery against a real sqlite
// database, through the HTTP surface, with a live state stream attached.
func TestCounterLifecycle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gormDB, err := db.Init(&config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "tickets.db"),
	})
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()

	s := store.NewGormStore(gormDB)
	require.NoError(t, s.EnsureCounter(ctx, "bakery", "Bakery"))
	require.NoError(t, s.EnsureCounter(ctx, "bakery", "Bakery (again)"))

	bus := pubsub.NewLocal()
	g := guard.New(guard.NewMemoryRecords(time.Hour), s, 10*time.Minute)
	svc := queue.NewService(s, g, bus, nil, queue.Options{})
	b := broadcast.New(s, broadcast.Options{PollInterval: time.Hour, Keepalive: time.Hour})
	listener, err := b.Listen(ctx, bus, "counters")
	require.NoError(t, err)
	defer listener.Unsubscribe()

	authority, err := auth.NewAuthority("integration")
	require.NoError(t, err)
	token, err := authority.Sign("bakery", "clerk", time.Hour)
	require.NoError(t, err)

	router := api.NewRouter(api.NewHandler(svc, b, s, nil, api.Options{}), api.RouterConfig{
		RateLimitPerSec:   1000,
		RateLimitBurst:    1000,
		DeviceCookieName:  "ticket_device",
		OperatorCookie:    "operator_session",
		OperatorAuthority: authority,
	})

	stream, err := b.Subscribe(ctx, "bakery")
	require.NoError(t, err)
	var seen [][2]int64
	expectSnapshot := func(issued, called int64) {
		t.Helper()
		select {
		case ev := <-stream.Events():
			require.Equal(t, broadcast.KindSnapshot, ev.Kind)
			seen = append(seen, [2]int64{ev.State.LastIssued, ev.State.LastCalled})
			assert.Equal(t, issued, ev.State.LastIssued)
			assert.Equal(t, called, ev.State.LastCalled)
		case <-time.After(2 * time.Second):
			t.Fatalf("no snapshot for (%d,%d)", issued, called)
		}
	}
	expectSnapshot(0, 0)

	post := func(path, device string, operator bool) (int, map[string]any) {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if device != "" {
			req.AddCookie(&http.Cookie{Name: "ticket_device", Value: device})
		}
		if operator {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		return w.Code, body
	}

	code, body := post("/api/counters/bakery/tickets", "device-a", false)
	require.Equal(t, http.StatusCreated, code)
	assert.EqualValues(t, 1, body["ticket_number"])
	expectSnapshot(1, 0)

	code, body = post("/api/counters/bakery/tickets", "device-b", false)
	require.Equal(t, http.StatusCreated, code)
	assert.EqualValues(t, 2, body["ticket_number"])
	assert.EqualValues(t, 1, body["waiting_ahead"])
	expectSnapshot(2, 0)

	code, body = post("/api/counters/bakery/tickets", "device-a", false)
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "active_ticket_exists", body["error"])

	for called := int64(1); called <= 2; called++ {
		code, body = post("/api/counters/bakery/call-next", "", true)
		require.Equal(t, http.StatusOK, code)
		assert.EqualValues(t, called, body["called_number"])
		expectSnapshot(2, called)
	}

	code, body = post("/api/counters/bakery/call-next", "", true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["has_next"])
	assert.EqualValues(t, 2, body["called_number"])

	code, _ = post("/api/counters/bakery/reset", "", true)
	require.Equal(t, http.StatusOK, code)
	expectSnapshot(0, 0)

	code, body = post("/api/counters/bakery/tickets", "device-c", false)
	require.Equal(t, http.StatusCreated, code)
	assert.EqualValues(t, 1, body["ticket_number"])
	expectSnapshot(1, 0)

	assert.Equal(t, [][2]int64{{0, 0}, {1, 0}, {2, 0}, {2, 1}, {2, 2}, {0, 0}, {1, 0}}, seen, fmt.Sprint(seen))
}
