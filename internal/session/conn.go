package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"coderoom/backend/internal/auth"
	"coderoom/backend/internal/blob"
	"coderoom/backend/internal/cache"
	"coderoom/backend/internal/docs"
	"coderoom/backend/internal/queue"
	"coderoom/backend/internal/rooms"
	"coderoom/backend/internal/util"

	"github.com/gorilla/websocket"
)

const (
	outboxSize   = 256
	writeTimeout = 10 * time.Second
	saveTimeout  = 15 * time.Second
)

// Conn is one live client connection.
type Conn struct {
	id       string
	identity auth.Identity
	server   *Server
	ws       *websocket.Conn

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// mu guards the connection's open-file and terminal registries.
	mu        sync.Mutex
	files     map[string]*openFile
	terminals map[string]*termState
}

type openFile struct {
	projectID string
	filePath  string
	handle    *docs.Handle
	timer     *time.Timer
	dirty     bool
}

type termState struct {
	projectID  string
	terminalID string
	sub        *cache.Subscription
}

func newConn(s *Server, ws *websocket.Conn, identity auth.Identity) *Conn {
	return &Conn{
		id:        util.NewID("conn"),
		identity:  identity,
		server:    s,
		ws:        ws,
		outbox:    make(chan []byte, outboxSize),
		done:      make(chan struct{}),
		files:     make(map[string]*openFile),
		terminals: make(map[string]*termState),
	}
}

// ID implements rooms.Member.
func (c *Conn) ID() string { return c.id }

func fileKey(projectID, filePath string) string {
	return projectID + "\x00" + filePath
}

// send queues an event for delivery. A consumer that stops draining its
// outbox is closed; a missed fragment would leave it divergent until it
// reopened the file, so forcing a reconnect-and-resync is the safer
// outcome.
func (c *Conn) send(evtType string, fields map[string]any) {
	payload := make(map[string]any, len(fields)+1)
	payload["type"] = evtType
	for k, v := range fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("WARNING: marshal %s event: %v", evtType, err)
		return
	}
	select {
	case c.outbox <- data:
	case <-c.done:
	default:
		log.Printf("WARNING: closing slow connection %s", c.id)
		go c.shutdown()
	}
}

func (c *Conn) sendError(op string, err error) {
	code, message := CodeValidation, err.Error()
	var oe *OpError
	if errors.As(err, &oe) {
		code, message = oe.Code, oe.Message
	}
	c.send(EvtError, map[string]any{"op": op, "code": code, "message": message})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			// Flush whatever was queued before shutdown so a final
			// error event still reaches the client.
			for {
				select {
				case data := <-c.outbox:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					deadline := time.Now().Add(time.Second)
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
					return
				}
			}
		}
	}
}

func (c *Conn) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var evt clientEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.sendError("", opError(CodeValidation, "malformed event"))
			continue
		}
		// Handler errors reach the offending connection only; they
		// never take the session down.
		if err := c.dispatch(context.Background(), evt); err != nil {
			c.sendError(evt.Type, err)
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, evt clientEvent) error {
	switch evt.Type {
	case EvtJoinProject:
		return c.handleJoinProject(ctx, evt)
	case EvtLeaveProject:
		return c.handleLeaveProject(evt)
	case EvtOpenFile:
		return c.handleOpenFile(ctx, evt)
	case EvtCloseFile:
		return c.handleCloseFile(ctx, evt)
	case EvtEditDocument:
		return c.handleEditDocument(ctx, evt)
	case EvtCursorUpdate:
		return c.handleCursorUpdate(evt)
	case EvtChatMessage:
		return c.handleChatMessage(evt)
	case EvtAIResponse:
		return c.handleAIResponse(evt)
	case EvtTerminalInit:
		return c.handleTerminalInit(ctx, evt)
	case EvtTerminalInput:
		return c.handleTerminalInput(evt)
	case EvtTerminalCommand:
		return c.handleTerminalCommand(ctx, evt)
	case EvtTerminalResize:
		return c.handleTerminalResize(evt)
	case EvtTerminalClose:
		return c.handleTerminalClose(evt)
	default:
		return opError(CodeValidation, "unknown event type %q", evt.Type)
	}
}

func (c *Conn) handleJoinProject(ctx context.Context, evt clientEvent) error {
	if evt.ProjectID == "" {
		return opError(CodeValidation, "projectId is required")
	}
	if err := c.server.checkOwnership(ctx, c, evt.ProjectID); err != nil {
		return err
	}

	room := rooms.ProjectRoom(evt.ProjectID)
	c.server.rooms.Join(room, c)

	c.server.broadcast(room, c, EvtPresenceJoined, map[string]any{
		"projectId": evt.ProjectID,
		"userId":    c.identity.UserID,
		"username":  c.identity.Username,
	})

	members := c.server.rooms.Members(room)
	users := make([]map[string]string, 0, len(members))
	for _, m := range members {
		if mc, ok := m.(*Conn); ok {
			users = append(users, map[string]string{
				"userId":   mc.identity.UserID,
				"username": mc.identity.Username,
			})
		}
	}
	c.send(EvtProjectJoined, map[string]any{"projectId": evt.ProjectID, "users": users})
	return nil
}

func (c *Conn) handleLeaveProject(evt clientEvent) error {
	if evt.ProjectID == "" {
		return opError(CodeValidation, "projectId is required")
	}
	room := rooms.ProjectRoom(evt.ProjectID)
	c.server.rooms.Leave(room, c)
	c.server.broadcast(room, nil, EvtPresenceLeft, map[string]any{
		"projectId": evt.ProjectID,
		"userId":    c.identity.UserID,
		"username":  c.identity.Username,
	})
	return nil
}

func (c *Conn) handleOpenFile(ctx context.Context, evt clientEvent) error {
	if evt.ProjectID == "" || evt.Path == "" {
		return opError(CodeValidation, "projectId and path are required")
	}
	key := fileKey(evt.ProjectID, evt.Path)

	c.mu.Lock()
	if of, ok := c.files[key]; ok {
		c.mu.Unlock()
		c.sendDocumentState(evt.ProjectID, evt.Path, of.handle.State())
		return nil
	}
	c.mu.Unlock()

	projectID, path := evt.ProjectID, evt.Path
	handle, err := c.server.deps.Engine.Acquire(ctx, projectID, path, c.id, func(fragment []byte) {
		c.send(EvtDocumentUpdate, map[string]any{
			"projectId": projectID,
			"path":      path,
			"fragment":  fragment,
		})
	})
	if err != nil {
		log.Printf("WARNING: open %s/%s: %v", projectID, path, err)
		return opError(CodeStorage, "could not open file")
	}

	c.mu.Lock()
	if _, ok := c.files[key]; ok {
		// Lost a race with a concurrent open of the same file.
		c.mu.Unlock()
		handle.Close()
	} else {
		c.files[key] = &openFile{projectID: projectID, filePath: path, handle: handle}
		c.mu.Unlock()
	}

	c.server.rooms.Join(rooms.FileRoom(projectID, path), c)
	c.sendDocumentState(projectID, path, handle.State())
	return nil
}

func (c *Conn) sendDocumentState(projectID, path string, state []byte) {
	c.send(EvtDocumentState, map[string]any{
		"projectId": projectID,
		"path":      path,
		"state":     state,
	})
}

func (c *Conn) handleCloseFile(ctx context.Context, evt clientEvent) error {
	key := fileKey(evt.ProjectID, evt.Path)
	c.mu.Lock()
	of, ok := c.files[key]
	delete(c.files, key)
	c.mu.Unlock()
	if !ok {
		return opError(CodeValidation, "file not open")
	}
	c.releaseFile(of)
	c.server.rooms.Leave(rooms.FileRoom(evt.ProjectID, evt.Path), c)
	return nil
}

func (c *Conn) handleEditDocument(ctx context.Context, evt clientEvent) error {
	if len(evt.Fragment) == 0 {
		return opError(CodeValidation, "fragment is required")
	}
	c.mu.Lock()
	of, ok := c.files[fileKey(evt.ProjectID, evt.Path)]
	c.mu.Unlock()
	if !ok {
		return opError(CodeValidation, "file not open")
	}

	if err := of.handle.Apply(ctx, evt.Fragment); err != nil {
		log.Printf("WARNING: apply fragment %s/%s: %v", evt.ProjectID, evt.Path, err)
		return opError(CodeStorage, "could not apply edit")
	}

	// The cache write above is immediate; only the durable write is
	// debounced. Every edit restarts the quiet-period timer.
	c.mu.Lock()
	of.dirty = true
	if of.timer != nil {
		of.timer.Stop()
	}
	of.timer = time.AfterFunc(c.server.deps.Debounce, func() {
		c.flushFile(of)
	})
	c.mu.Unlock()
	return nil
}

// flushFile writes the document's current full state to the durable
// store.
func (c *Conn) flushFile(of *openFile) {
	c.mu.Lock()
	if !of.dirty {
		c.mu.Unlock()
		return
	}
	of.dirty = false
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	state := of.handle.State()
	if err := c.server.deps.Store.Put(ctx, blob.FileKey(of.projectID, of.filePath), state); err != nil {
		log.Printf("WARNING: durable save %s/%s: %v", of.projectID, of.filePath, err)
		c.sendError(EvtEditDocument, opError(CodeStorage, "durable save failed"))
	}
}

func (c *Conn) handleCursorUpdate(evt clientEvent) error {
	room := rooms.FileRoom(evt.ProjectID, evt.Path)
	if !c.server.rooms.Contains(room, c) {
		return opError(CodeValidation, "file not open")
	}
	c.server.broadcast(room, c, EvtCursorUpdate, map[string]any{
		"projectId": evt.ProjectID,
		"path":      evt.Path,
		"userId":    c.identity.UserID,
		"username":  c.identity.Username,
		"payload":   evt.Payload,
	})
	return nil
}

func (c *Conn) handleChatMessage(evt clientEvent) error {
	room := rooms.ProjectRoom(evt.ProjectID)
	if !c.server.rooms.Contains(room, c) {
		return opError(CodeValidation, "not in project")
	}
	c.server.broadcast(room, nil, EvtChatMessage, map[string]any{
		"projectId": evt.ProjectID,
		"userId":    c.identity.UserID,
		"username":  c.identity.Username,
		"message":   evt.Message,
	})
	return nil
}

func (c *Conn) handleAIResponse(evt clientEvent) error {
	room := rooms.ProjectRoom(evt.ProjectID)
	if !c.server.rooms.Contains(room, c) {
		return opError(CodeValidation, "not in project")
	}
	c.server.broadcast(room, nil, EvtAIResponse, map[string]any{
		"projectId": evt.ProjectID,
		"payload":   evt.Payload,
	})
	return nil
}

func (c *Conn) handleTerminalInit(ctx context.Context, evt clientEvent) error {
	if evt.ProjectID == "" || evt.TerminalID == "" {
		return opError(CodeValidation, "projectId and terminalId are required")
	}
	projectID, terminalID := evt.ProjectID, evt.TerminalID

	err := c.server.deps.Terminals.Init(projectID, terminalID, "", func(data []byte) {
		c.send(EvtTerminalOutput, map[string]any{
			"projectId":  projectID,
			"terminalId": terminalID,
			"data":       string(data),
		})
	})
	if err != nil {
		log.Printf("WARNING: terminal init %s/%s: %v", projectID, terminalID, err)
		return opError(CodeTerminal, "could not start terminal")
	}

	// Command workers publish captured output on the terminal channel;
	// forward it to the initiating connection only.
	sub, err := c.server.deps.Cache.Subscribe(ctx, cache.TerminalChannel(projectID, terminalID), func(payload []byte) {
		c.send(EvtTerminalOutput, map[string]any{
			"projectId":  projectID,
			"terminalId": terminalID,
			"data":       string(payload),
		})
	})
	if err != nil {
		log.Printf("WARNING: terminal channel subscribe %s/%s: %v", projectID, terminalID, err)
		return opError(CodeStorage, "could not subscribe to terminal output")
	}

	c.mu.Lock()
	key := fileKey(projectID, terminalID)
	if old, ok := c.terminals[key]; ok && old.sub != nil {
		_ = old.sub.Close()
	}
	c.terminals[key] = &termState{projectID: projectID, terminalID: terminalID, sub: sub}
	c.mu.Unlock()
	return nil
}

func (c *Conn) handleTerminalInput(evt clientEvent) error {
	if err := c.server.deps.Terminals.Input(evt.ProjectID, evt.TerminalID, []byte(evt.Data)); err != nil {
		return opError(CodeTerminal, "terminal input failed")
	}
	return nil
}

func (c *Conn) handleTerminalCommand(ctx context.Context, evt clientEvent) error {
	if evt.Command == "" {
		return opError(CodeValidation, "command is required")
	}
	err := c.server.deps.Queue.Send(ctx, queue.Command{
		ProjectID:  evt.ProjectID,
		TerminalID: evt.TerminalID,
		UserID:     c.identity.UserID,
		Username:   c.identity.Username,
		Command:    evt.Command,
	})
	if err != nil {
		log.Printf("WARNING: enqueue command for %s: %v", evt.ProjectID, err)
		return opError(CodeStorage, "could not queue command")
	}
	return nil
}

func (c *Conn) handleTerminalResize(evt clientEvent) error {
	if err := c.server.deps.Terminals.Resize(evt.ProjectID, evt.TerminalID, evt.Rows, evt.Cols); err != nil {
		return opError(CodeTerminal, "terminal resize failed")
	}
	return nil
}

func (c *Conn) handleTerminalClose(evt clientEvent) error {
	c.mu.Lock()
	key := fileKey(evt.ProjectID, evt.TerminalID)
	state, ok := c.terminals[key]
	delete(c.terminals, key)
	c.mu.Unlock()
	if ok && state.sub != nil {
		_ = state.sub.Close()
	}
	if err := c.server.deps.Terminals.Close(evt.ProjectID, evt.TerminalID); err != nil {
		return opError(CodeTerminal, "terminal close failed")
	}
	return nil
}

// releaseFile flushes any pending durable save and releases the merge
// engine handle.
func (c *Conn) releaseFile(of *openFile) {
	c.mu.Lock()
	if of.timer != nil {
		of.timer.Stop()
	}
	c.mu.Unlock()
	c.flushFile(of)
	of.handle.Close()
}

// shutdown tears the connection down exactly once: pending saves are
// flushed, engine handles released, rooms left with presence broadcasts,
// and terminal resources closed.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		files := make([]*openFile, 0, len(c.files))
		for _, of := range c.files {
			files = append(files, of)
		}
		c.files = make(map[string]*openFile)
		terms := make([]*termState, 0, len(c.terminals))
		for _, ts := range c.terminals {
			terms = append(terms, ts)
		}
		c.terminals = make(map[string]*termState)
		c.mu.Unlock()

		for _, of := range files {
			c.releaseFile(of)
		}
		for _, ts := range terms {
			if ts.sub != nil {
				_ = ts.sub.Close()
			}
			_ = c.server.deps.Terminals.Close(ts.projectID, ts.terminalID)
		}

		for _, room := range c.server.rooms.LeaveAll(c) {
			projectID, ok := strings.CutPrefix(room, "project:")
			if !ok {
				continue
			}
			c.server.broadcast(room, nil, EvtPresenceLeft, map[string]any{
				"projectId": projectID,
				"userId":    c.identity.UserID,
				"username":  c.identity.Username,
			})
		}

		_ = c.ws.Close()
	})
}
