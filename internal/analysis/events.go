package analysis

// EventType classifies what the reader goroutine decoded.
type EventType int

const (
	// EventReady: the initialize handshake completed and diagnostics are live.
	EventReady EventType = iota
	// EventInitFailed: the server rejected the initialize request. The
	// client is disabled for the rest of the session.
	EventInitFailed
	// EventDiagnostics: the server published diagnostics for a document.
	EventDiagnostics
	// EventMessage: the server pushed a user-facing message.
	EventMessage
	// EventClosed: the stream ended or a frame could not be decoded.
	// Emitted exactly once, as the reader's last act.
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventInitFailed:
		return "init_failed"
	case EventDiagnostics:
		return "diagnostics"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Diagnostic severities, matching the language-server convention.
const (
	SeverityError   = 1
	SeverityWarning = 2
	SeverityInfo    = 3
	SeverityHint    = 4
)

// Diagnostic is one problem reported against a recipe document.
type Diagnostic struct {
	Line     int
	Column   int
	Severity int
	Message  string
	Source   string
}

// Event is what the dashboard receives on the event channel, in the order
// the server emitted the underlying frames.
type Event struct {
	Type        EventType
	Message     string
	Path        string
	Diagnostics []Diagnostic
	Err         error
}
