package repo

import "context"

// AgentRepo is the external-agent-subprocess interaction interface. The wire
// details of the agent process are out of scope (spec §1); the engine only
// spawns it, feeds stdin, and parses stdout into the fragment stream below.
type AgentRepo interface {
	// StartSession spawns (or reuses, if threadID names a live one) the agent
	// subprocess bound to a session key, priming its stdin with the identity
	// prompt on first spawn.
	StartSession(ctx context.Context, sessionKey, identityPrompt string) (threadID string, isNew bool, err error)

	// Send writes a prompt to the given session's agent stdin. If the agent
	// is mid-turn the prompt is queued and delivered once the current turn's
	// End fragment has been observed (spec §4.6 step 5).
	Send(ctx context.Context, threadID, prompt string, imagePaths []string) error

	// Stop terminates the subprocess for threadID, if any.
	Stop(threadID string)

	// Events is the shared fragment stream for every session's agent.
	Events() <-chan Event
}

// EventType tags one member of the reply-fragment sum type described in
// spec §9 ("external agent as sum type of reply fragments").
type EventType string

const (
	// EventTextChunk carries a chunk of assembled reply body text.
	EventTextChunk EventType = "text_chunk"
	// EventMediaPath carries an inline "MEDIA:/absolute/path" marker.
	EventMediaPath EventType = "media_path"
	// EventToolEvent carries a tool-streaming marker, forwarded to an
	// observer channel but not to the user unless configured.
	EventToolEvent EventType = "tool_event"
	// EventEnd closes out a turn.
	EventEnd EventType = "end"
	// EventError reports an agent-subprocess failure.
	EventError EventType = "error"
)

// Event is one fragment of a session's agent output stream.
type Event struct {
	Type      EventType
	ThreadID  string
	Text      string // EventTextChunk, EventToolEvent
	MediaPath string // EventMediaPath
	Err       error  // EventError
}
