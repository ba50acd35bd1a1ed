package session

import "encoding/json"

// Client-to-server event types.
const (
	EvtJoinProject     = "join-project"
	EvtLeaveProject    = "leave-project"
	EvtOpenFile        = "open-file"
	EvtCloseFile       = "close-file"
	EvtEditDocument    = "edit-document"
	EvtCursorUpdate    = "cursor-update"
	EvtChatMessage     = "chat-message"
	EvtAIResponse      = "ai-response"
	EvtTerminalInit    = "terminal-init"
	EvtTerminalInput   = "terminal-input"
	EvtTerminalCommand = "terminal-command"
	EvtTerminalResize  = "terminal-resize"
	EvtTerminalClose   = "terminal-close"
)

// Server-to-client event types.
const (
	EvtProjectJoined  = "project-joined"
	EvtPresenceJoined = "presence-joined"
	EvtPresenceLeft   = "presence-left"
	EvtDocumentState  = "document-state"
	EvtDocumentUpdate = "document-update"
	EvtTerminalOutput = "terminal-output"
	EvtError          = "error"
)

// clientEvent is the inbound envelope; fields beyond Type are
// per-operation and validated by each handler.
type clientEvent struct {
	Type       string          `json:"type"`
	ProjectID  string          `json:"projectId"`
	Path       string          `json:"path"`
	Fragment   []byte          `json:"fragment"`
	TerminalID string          `json:"terminalId"`
	Data       string          `json:"data"`
	Command    string          `json:"command"`
	Rows       uint16          `json:"rows"`
	Cols       uint16          `json:"cols"`
	Message    string          `json:"message"`
	Payload    json.RawMessage `json:"payload"`
}
