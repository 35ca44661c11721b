package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgestack/edgestack/pkg/ledger"
	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/server/internal/store"
	wsHub "github.com/edgestack/edgestack/server/internal/ws"
)

const testInterval = 20 * time.Millisecond

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// --- helpers ----------------------------------------------------------------

type runSource struct {
	mu   sync.Mutex
	runs []ledger.Run
}

func (s *runSource) Runs(context.Context, int) ([]ledger.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.Run(nil), s.runs...), nil
}

func (s *runSource) Jobs(context.Context, string) ([]types.JobSummary, error) {
	return nil, nil
}

func (s *runSource) add(r ledger.Run) {
	s.mu.Lock()
	s.runs = append([]ledger.Run{r}, s.runs...)
	s.mu.Unlock()
}

func run(id string) ledger.Run {
	return ledger.Run{ID: id, Mode: "pool", MaxConcurrency: 2, Items: 4, StartedAt: baseTime}
}

func newStore(t *testing.T, runs ...ledger.Run) (*store.Store, *runSource) {
	t.Helper()
	src := &runSource{runs: runs}
	st := store.New(src, 10)
	if err := st.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return st, src
}

// startHub starts a test HTTP server with the hub as its handler.
// The hub's Run loop is started with a cancellable context.
// Returns the ws:// URL, the hub, and a cleanup function.
func startHub(t *testing.T, st *store.Store) (wsURL string, hub *wsHub.Hub, cancel func()) {
	t.Helper()

	hub = wsHub.New(st, nil, testInterval)
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub, cancelFn
}

// dial connects a WebSocket client to wsURL and returns the connection.
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readData reads one message from conn and returns its data object.
func readData(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["event"] != "snapshot" {
		t.Errorf("event: got %v, want snapshot", m["event"])
	}
	data, ok := m["data"].(map[string]interface{})
	if !ok {
		t.Fatal("data: missing or wrong type")
	}
	return data
}

func runsOf(t *testing.T, data map[string]interface{}) []interface{} {
	t.Helper()
	runs, ok := data["runs"].([]interface{})
	if !ok {
		t.Fatal("runs: missing or wrong type")
	}
	return runs
}

// --- tests ------------------------------------------------------------------

func TestHub_Connect_ReceivesImmediateSnapshot(t *testing.T) {
	st, _ := newStore(t, run("r1"))
	wsURL, _, _ := startHub(t, st)

	data := readData(t, dial(t, wsURL))
	if data["generated_at"] == nil || data["generated_at"] == "" {
		t.Error("generated_at: missing")
	}
	if alerts, ok := data["alerts"].([]interface{}); !ok || len(alerts) != 0 {
		t.Errorf("alerts: got %v, want empty array", data["alerts"])
	}
}

func TestHub_MessageContainsRuns(t *testing.T) {
	st, _ := newStore(t, run("r2"), run("r1"))
	wsURL, _, _ := startHub(t, st)

	runs := runsOf(t, readData(t, dial(t, wsURL)))
	if len(runs) != 2 {
		t.Fatalf("runs: got %d, want 2", len(runs))
	}
	first := runs[0].(map[string]interface{})
	if first["id"] != "r2" || first["state"] != "running" {
		t.Errorf("first run: got %v", first)
	}
}

func TestHub_EmptyStore_EmptyRuns(t *testing.T) {
	st, _ := newStore(t)
	wsURL, _, _ := startHub(t, st)
	if runs := runsOf(t, readData(t, dial(t, wsURL))); len(runs) != 0 {
		t.Errorf("runs: got %d, want 0", len(runs))
	}
}

func TestHub_CountClients_MultipleClients(t *testing.T) {
	st, _ := newStore(t)
	wsURL, hub, _ := startHub(t, st)

	for i := 0; i < 3; i++ {
		readData(t, dial(t, wsURL)) // consume initial message
	}

	time.Sleep(10 * time.Millisecond)
	if n := hub.Count(); n != 3 {
		t.Errorf("Count: got %d, want 3", n)
	}
}

func TestHub_CountClients_DecreasesOnDisconnect(t *testing.T) {
	st, _ := newStore(t)
	wsURL, hub, _ := startHub(t, st)

	conn := dial(t, wsURL)
	readData(t, conn)
	time.Sleep(10 * time.Millisecond)

	if n := hub.Count(); n != 1 {
		t.Errorf("Count before disconnect: got %d, want 1", n)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond) // let readPump detect the close

	if n := hub.Count(); n != 0 {
		t.Errorf("Count after disconnect: got %d, want 0", n)
	}
}

func TestHub_ReceivesBroadcastAfterRefresh(t *testing.T) {
	st, src := newStore(t)
	hub := wsHub.New(st, nil, time.Hour) // no ticks; only Notify broadcasts
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()
	go hub.Run(ctx)

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	readData(t, conn) // consume immediate snapshot (empty store)

	src.add(run("new-run"))
	if err := st.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	hub.Notify()

	runs := runsOf(t, readData(t, conn))
	if len(runs) != 1 {
		t.Fatalf("broadcast: got %d runs, want 1", len(runs))
	}
	if id := runs[0].(map[string]interface{})["id"]; id != "new-run" {
		t.Errorf("id: got %v, want new-run", id)
	}
}

func TestHub_ReceivesBroadcastOnTick(t *testing.T) {
	st, _ := newStore(t, run("r1"))
	wsURL, _, _ := startHub(t, st)

	conn := dial(t, wsURL)
	readData(t, conn)
	if runs := runsOf(t, readData(t, conn)); len(runs) != 1 {
		t.Errorf("tick broadcast: got %d runs, want 1", len(runs))
	}
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	st, _ := newStore(t)
	wsURL, hub, cancel := startHub(t, st)

	conn := dial(t, wsURL)
	readData(t, conn)
	time.Sleep(10 * time.Millisecond)

	cancel() // signal shutdown

	// After cancel, hub should close all clients.
	time.Sleep(50 * time.Millisecond)
	if n := hub.Count(); n != 0 {
		t.Errorf("Count after cancel: got %d, want 0", n)
	}
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	st, _ := newStore(t)
	hub := wsHub.New(st, nil, testInterval)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	// Plain HTTP GET without WebSocket upgrade headers: 400
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestHub_ConnectAfterStop_Closed(t *testing.T) {
	st, _ := newStore(t, run("r1"))
	hub := wsHub.New(st, nil, testInterval)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage: expected error from closed connection")
	}
	if n := hub.Count(); n != 0 {
		t.Errorf("Count: got %d, want 0", n)
	}
}
