// Package session is the terminal point for client connections: it
// multiplexes websocket connections into per-project and per-file rooms,
// feeds edits through the merge engine, debounces durable saves, and
// proxies terminal traffic.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"coderoom/backend/internal/auth"
	"coderoom/backend/internal/cache"
	"coderoom/backend/internal/docs"
	"coderoom/backend/internal/projects"
	"coderoom/backend/internal/queue"
	"coderoom/backend/internal/rooms"

	"github.com/gorilla/websocket"
)

// Verifier checks connection credentials.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// CommandQueue enqueues terminal commands for the worker fleet.
type CommandQueue interface {
	Send(ctx context.Context, cmd queue.Command) error
}

// OwnerStore answers the "caller owns the project" check. A nil store
// disables the check (single-tenant deployments).
type OwnerStore interface {
	Owner(ctx context.Context, projectID string) (string, error)
}

// TerminalManager runs interactive terminal sessions.
type TerminalManager interface {
	Init(projectID, terminalID, workDir string, onOutput func(data []byte)) error
	Input(projectID, terminalID string, data []byte) error
	Resize(projectID, terminalID string, rows, cols uint16) error
	Close(projectID, terminalID string) error
}

// BlobWriter is the durable side of the debounced save path.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Deps wires the server's collaborators; every field but Owners is
// required.
type Deps struct {
	Verifier  Verifier
	Engine    *docs.Engine
	Store     BlobWriter
	Cache     *cache.Cache
	Queue     CommandQueue
	Terminals TerminalManager
	Owners    OwnerStore
	Debounce  time.Duration
}

type Server struct {
	deps     Deps
	rooms    *rooms.Set
	upgrader websocket.Upgrader
}

func New(deps Deps) *Server {
	if deps.Debounce <= 0 {
		deps.Debounce = 2 * time.Second
	}
	return &Server{
		deps:  deps,
		rooms: rooms.NewSet(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client is served from another origin; access
			// control happens at token verification.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the connection and runs its session until it closes.
// A failed credential check terminates the connection immediately with an
// auth error; no room membership is ever granted.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	token := r.URL.Query().Get("token")
	identity, err := s.deps.Verifier.Verify(token)
	if err != nil {
		// Written synchronously so the error cannot lose a race with
		// the close frame.
		payload, _ := json.Marshal(map[string]any{
			"type": EvtError, "op": "connect", "code": CodeAuth, "message": "authentication failed",
		})
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = ws.WriteMessage(websocket.TextMessage, payload)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	conn := newConn(s, ws, identity)
	go conn.writeLoop()
	conn.readLoop()
}

// broadcast sends an event to every member of a room, optionally
// excluding one connection.
func (s *Server) broadcast(room string, exclude *Conn, evtType string, fields map[string]any) {
	var members []rooms.Member
	if exclude != nil {
		members = s.rooms.Others(room, exclude)
	} else {
		members = s.rooms.Members(room)
	}
	for _, m := range members {
		if c, ok := m.(*Conn); ok {
			c.send(evtType, fields)
		}
	}
}

// checkOwnership verifies the caller owns the project when an owner
// store is configured.
func (s *Server) checkOwnership(ctx context.Context, c *Conn, projectID string) error {
	if s.deps.Owners == nil {
		return nil
	}
	owner, err := s.deps.Owners.Owner(ctx, projectID)
	if errors.Is(err, projects.ErrNotFound) {
		return opError(CodeValidation, "unknown project %s", projectID)
	}
	if err != nil {
		log.Printf("WARNING: ownership lookup for %s: %v", projectID, err)
		return opError(CodeStorage, "project lookup failed")
	}
	if owner != c.identity.UserID {
		return opError(CodeForbidden, "not your project")
	}
	return nil
}
