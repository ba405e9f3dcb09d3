package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"callifornia/server/internal/state"
	"callifornia/shared/protocol"
)

func TestHandleHealthReportsSnapshot(t *testing.T) {
	reg := state.New(state.Options{})
	reg.Authorize("uid-1", protocol.HashNickname("alice"), nil, nil)
	reg.Authorize("uid-2", protocol.HashNickname("bob"), nil, nil)
	reg.BeginCall(protocol.HashNickname("alice"), protocol.HashNickname("bob"))
	reg.AcceptCall(protocol.HashNickname("alice"), protocol.HashNickname("bob"))

	metrics, promReg := NewMetrics()
	srv := New(reg, metrics, promReg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var got healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.AuthorizedUsers != 2 {
		t.Fatalf("got %d authorized users, want 2", got.AuthorizedUsers)
	}
	if got.ActiveCalls != 1 {
		t.Fatalf("got %d active calls, want 1", got.ActiveCalls)
	}
}

func TestHandleStateMatchesRegistry(t *testing.T) {
	reg := state.New(state.Options{})
	reg.Authorize("uid-1", protocol.HashNickname("alice"), nil, nil)

	srv := New(reg, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	var got stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.AuthorizedUsers != 1 {
		t.Fatalf("got %d, want 1", got.AuthorizedUsers)
	}
}

func TestStateStreamPushesSnapshots(t *testing.T) {
	reg := state.New(state.Options{})
	reg.Authorize("uid-1", protocol.HashNickname("alice"), nil, nil)

	srv := New(reg, nil, nil)
	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/state/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got stateResponse
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if got.AuthorizedUsers != 1 {
		t.Fatalf("got %d authorized users, want 1", got.AuthorizedUsers)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	reg := state.New(state.Options{})
	metrics, promReg := NewMetrics()
	srv := New(reg, metrics, promReg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}
