package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"coderoom/backend/internal/auth"
	"coderoom/backend/internal/blob"
	"coderoom/backend/internal/cache"
	"coderoom/backend/internal/crdt"
	"coderoom/backend/internal/docs"
	"coderoom/backend/internal/projects"
	"coderoom/backend/internal/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

var testSecret = []byte("test-secret")

type fakeQueue struct {
	mu   sync.Mutex
	sent []queue.Command
}

func (q *fakeQueue) Send(_ context.Context, cmd queue.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, cmd)
	return nil
}

func (q *fakeQueue) commands() []queue.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Command(nil), q.sent...)
}

type fakeTerminals struct {
	initFn func(projectID, terminalID, workDir string, onOutput func([]byte)) error
}

func (f *fakeTerminals) Init(projectID, terminalID, workDir string, onOutput func([]byte)) error {
	if f.initFn != nil {
		return f.initFn(projectID, terminalID, workDir, onOutput)
	}
	return nil
}

func (f *fakeTerminals) Input(projectID, terminalID string, data []byte) error { return nil }

func (f *fakeTerminals) Resize(projectID, terminalID string, rows, cols uint16) error { return nil }

func (f *fakeTerminals) Close(projectID, terminalID string) error { return nil }

type fakeOwners struct {
	ownerFn func(ctx context.Context, projectID string) (string, error)
}

func (f *fakeOwners) Owner(ctx context.Context, projectID string) (string, error) {
	return f.ownerFn(ctx, projectID)
}

// countingStore counts durable writes so debounce coalescing is
// observable.
type countingStore struct {
	mu   sync.Mutex
	puts map[string]int
	data map[string][]byte
}

func newCountingStore() *countingStore {
	return &countingStore{puts: make(map[string]int), data: make(map[string][]byte)}
}

func (s *countingStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts[key]++
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *countingStore) putCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[key]
}

func (s *countingStore) get(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data[key]...)
}

type testEnv struct {
	srv     *httptest.Server
	store   *blob.MemoryStore
	durable *countingStore
	queue   *fakeQueue
	owners  *fakeOwners
	cache   *cache.Cache
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.NewWithClient(client)

	store := blob.NewMemoryStore()
	durable := newCountingStore()
	q := &fakeQueue{}
	owners := &fakeOwners{ownerFn: func(context.Context, string) (string, error) { return "user-1", nil }}

	server := New(Deps{
		Verifier:  auth.NewVerifier(testSecret),
		Engine:    docs.NewEngine(store, c),
		Store:     durable,
		Cache:     c,
		Queue:     q,
		Terminals: &fakeTerminals{},
		Owners:    owners,
		Debounce:  50 * time.Millisecond,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWS)
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)

	return &testEnv{srv: hs, store: store, durable: durable, queue: q, owners: owners, cache: c}
}

func issueTestToken(t *testing.T, userID, username string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.Claims{
		Sub:  userID,
		Name: username,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func dial(t *testing.T, env *testEnv, token string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(env.srv.URL, "http://", "ws://", 1) + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendEvent(t *testing.T, ws *websocket.Conn, fields map[string]any) {
	t.Helper()
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write event: %v", err)
	}
}

// waitFor reads events until one of the wanted type arrives.
func waitFor(t *testing.T, ws *websocket.Conn, evtType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", evtType, err)
		}
		var evt map[string]any
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("malformed event: %v", err)
		}
		if evt["type"] == evtType {
			return evt
		}
	}
	t.Fatalf("no %s event before deadline", evtType)
	return nil
}

// expectSilence asserts no event of the given type arrives within the
// window.
func expectSilence(t *testing.T, ws *websocket.Conn, evtType string, window time.Duration) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(window))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return // timeout is the expected outcome
		}
		var evt map[string]any
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if evt["type"] == evtType {
			t.Fatalf("unexpected %s event: %v", evtType, evt)
		}
	}
}

func TestRejectsInvalidToken(t *testing.T) {
	env := setupTestServer(t)
	ws := dial(t, env, "not-a-token")

	evt := waitFor(t, ws, EvtError)
	if evt["code"] != CodeAuth {
		t.Errorf("error code = %v, want %q", evt["code"], CodeAuth)
	}

	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection stayed open after auth failure")
	}
}

func TestAuthErrorAlwaysDelivered(t *testing.T) {
	env := setupTestServer(t)
	// The error event must be flushed before the close frame every
	// time, not just when the write pump wins the race.
	for i := 0; i < 20; i++ {
		ws := dial(t, env, "not-a-token")
		evt := waitFor(t, ws, EvtError)
		if evt["code"] != CodeAuth {
			t.Fatalf("attempt %d: error code = %v, want %q", i, evt["code"], CodeAuth)
		}
		ws.Close()
	}
}

func TestSlowConnectionClosed(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	wsCh := make(chan *websocket.Conn, 1)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wsCh <- ws
	}))
	t.Cleanup(hs.Close)

	client, _, err := websocket.DefaultDialer.Dial(strings.Replace(hs.URL, "http://", "ws://", 1), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	srv := New(Deps{})
	c := newConn(srv, <-wsCh, auth.Identity{UserID: "u1"})
	// No write pump running, so the outbox fills; send must give up on
	// the connection instead of dropping events.
	for i := 0; i < outboxSize+8; i++ {
		c.send(EvtChatMessage, map[string]any{"message": "hi"})
	}

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("slow connection was not closed")
	}
}

func TestJoinProjectPresence(t *testing.T) {
	env := setupTestServer(t)
	wsA := dial(t, env, issueTestToken(t, "user-1", "alice"))
	wsB := dial(t, env, issueTestToken(t, "user-1", "bob"))

	sendEvent(t, wsA, map[string]any{"type": EvtJoinProject, "projectId": "p1"})
	waitFor(t, wsA, EvtProjectJoined)

	sendEvent(t, wsB, map[string]any{"type": EvtJoinProject, "projectId": "p1"})
	joined := waitFor(t, wsB, EvtProjectJoined)

	users, ok := joined["users"].([]any)
	if !ok || len(users) != 2 {
		t.Errorf("project-joined users = %v, want 2 entries", joined["users"])
	}

	presence := waitFor(t, wsA, EvtPresenceJoined)
	if presence["username"] != "bob" {
		t.Errorf("presence-joined username = %v, want bob", presence["username"])
	}
}

func TestJoinProjectForbidden(t *testing.T) {
	env := setupTestServer(t)
	env.owners.ownerFn = func(context.Context, string) (string, error) { return "someone-else", nil }

	ws := dial(t, env, issueTestToken(t, "user-1", "alice"))
	sendEvent(t, ws, map[string]any{"type": EvtJoinProject, "projectId": "p1"})

	evt := waitFor(t, ws, EvtError)
	if evt["code"] != CodeForbidden {
		t.Errorf("error code = %v, want %q", evt["code"], CodeForbidden)
	}
}

func TestJoinUnknownProject(t *testing.T) {
	env := setupTestServer(t)
	env.owners.ownerFn = func(context.Context, string) (string, error) { return "", projects.ErrNotFound }

	ws := dial(t, env, issueTestToken(t, "user-1", "alice"))
	sendEvent(t, ws, map[string]any{"type": EvtJoinProject, "projectId": "nope"})

	evt := waitFor(t, ws, EvtError)
	if evt["code"] != CodeValidation {
		t.Errorf("error code = %v, want %q", evt["code"], CodeValidation)
	}
}

func TestEditBroadcastSkipsEditor(t *testing.T) {
	env := setupTestServer(t)
	wsA := dial(t, env, issueTestToken(t, "user-1", "alice"))
	wsB := dial(t, env, issueTestToken(t, "user-1", "bob"))

	open := map[string]any{"type": EvtOpenFile, "projectId": "p1", "path": "main.go"}
	sendEvent(t, wsA, open)
	waitFor(t, wsA, EvtDocumentState)
	sendEvent(t, wsB, open)
	waitFor(t, wsB, EvtDocumentState)

	doc := crdt.NewWithSite(1)
	frag, err := doc.InsertAt(0, "hello")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	sendEvent(t, wsA, map[string]any{
		"type": EvtEditDocument, "projectId": "p1", "path": "main.go", "fragment": frag,
	})

	update := waitFor(t, wsB, EvtDocumentUpdate)
	if update["path"] != "main.go" {
		t.Errorf("update path = %v, want main.go", update["path"])
	}

	// The editing connection must not receive its own fragment back.
	expectSilence(t, wsA, EvtDocumentUpdate, 200*time.Millisecond)
}

func TestOpenFileReturnsExistingContent(t *testing.T) {
	env := setupTestServer(t)
	seed := crdt.FromText("package main\n")
	if err := env.store.Put(context.Background(), blob.FileKey("p1", "main.go"), seed.Encode()); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	ws := dial(t, env, issueTestToken(t, "user-1", "alice"))
	sendEvent(t, ws, map[string]any{"type": EvtOpenFile, "projectId": "p1", "path": "main.go"})
	evt := waitFor(t, ws, EvtDocumentState)

	state := decodeBytes(t, evt["state"])
	doc, err := crdt.Decode(state)
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if got := doc.Flatten(); got != "package main\n" {
		t.Errorf("opened content = %q, want %q", got, "package main\n")
	}
}

func TestDebounceCoalescesDurableSaves(t *testing.T) {
	env := setupTestServer(t)
	ws := dial(t, env, issueTestToken(t, "user-1", "alice"))

	sendEvent(t, ws, map[string]any{"type": EvtOpenFile, "projectId": "p1", "path": "a.txt"})
	waitFor(t, ws, EvtDocumentState)

	doc := crdt.NewWithSite(7)
	for _, text := range []string{"a", "b", "c"} {
		frag, err := doc.InsertAt(doc.Len(), text)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		sendEvent(t, ws, map[string]any{
			"type": EvtEditDocument, "projectId": "p1", "path": "a.txt", "fragment": frag,
		})
	}

	key := blob.FileKey("p1", "a.txt")
	waitUntil(t, 2*time.Second, func() bool { return env.durable.putCount(key) > 0 })
	time.Sleep(150 * time.Millisecond)

	if got := env.durable.putCount(key); got != 1 {
		t.Errorf("durable puts = %d, want 1", got)
	}
	saved, err := crdt.Decode(env.durable.get(key))
	if err != nil {
		t.Fatalf("decode saved state: %v", err)
	}
	if got := saved.Flatten(); got != "abc" {
		t.Errorf("saved content = %q, want %q", got, "abc")
	}
}

func TestFileRoomIsolation(t *testing.T) {
	env := setupTestServer(t)
	wsA := dial(t, env, issueTestToken(t, "user-1", "alice"))
	wsB := dial(t, env, issueTestToken(t, "user-1", "bob"))

	sendEvent(t, wsA, map[string]any{"type": EvtOpenFile, "projectId": "p1", "path": "a.txt"})
	waitFor(t, wsA, EvtDocumentState)
	sendEvent(t, wsB, map[string]any{"type": EvtOpenFile, "projectId": "p1", "path": "b.txt"})
	waitFor(t, wsB, EvtDocumentState)

	doc := crdt.NewWithSite(2)
	frag, err := doc.InsertAt(0, "x")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	sendEvent(t, wsA, map[string]any{
		"type": EvtEditDocument, "projectId": "p1", "path": "a.txt", "fragment": frag,
	})

	expectSilence(t, wsB, EvtDocumentUpdate, 200*time.Millisecond)
}

func TestTerminalCommandEnqueued(t *testing.T) {
	env := setupTestServer(t)
	ws := dial(t, env, issueTestToken(t, "user-1", "alice"))

	sendEvent(t, ws, map[string]any{
		"type": EvtTerminalCommand, "projectId": "p1", "terminalId": "t1", "command": "go test ./...",
	})

	waitUntil(t, 2*time.Second, func() bool { return len(env.queue.commands()) == 1 })
	cmd := env.queue.commands()[0]
	if cmd.ProjectID != "p1" || cmd.TerminalID != "t1" || cmd.Command != "go test ./..." {
		t.Errorf("queued command = %+v", cmd)
	}
	if cmd.UserID != "user-1" || cmd.Username != "alice" {
		t.Errorf("queued command identity = %s/%s", cmd.UserID, cmd.Username)
	}
}

func TestEditWithoutOpenFails(t *testing.T) {
	env := setupTestServer(t)
	ws := dial(t, env, issueTestToken(t, "user-1", "alice"))

	doc := crdt.NewWithSite(3)
	frag, _ := doc.InsertAt(0, "x")
	sendEvent(t, ws, map[string]any{
		"type": EvtEditDocument, "projectId": "p1", "path": "never-opened.txt", "fragment": frag,
	})

	evt := waitFor(t, ws, EvtError)
	if evt["code"] != CodeValidation {
		t.Errorf("error code = %v, want %q", evt["code"], CodeValidation)
	}
}

func TestChatRequiresMembership(t *testing.T) {
	env := setupTestServer(t)
	ws := dial(t, env, issueTestToken(t, "user-1", "alice"))

	sendEvent(t, ws, map[string]any{"type": EvtChatMessage, "projectId": "p1", "message": "hi"})
	evt := waitFor(t, ws, EvtError)
	if evt["code"] != CodeValidation {
		t.Errorf("error code = %v, want %q", evt["code"], CodeValidation)
	}
}

func decodeBytes(t *testing.T, v any) []byte {
	t.Helper()
	s, ok := v.(string)
	if !ok {
		t.Fatalf("field is %T, want base64 string", v)
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("remarshal: %v", err)
	}
	var out []byte
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode bytes: %v", err)
	}
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
