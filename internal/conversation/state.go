// ABOUTME: Per-operation state machine of a conversation
// ABOUTME: Idle -> Resolving -> PersistingUser -> Streaming -> PersistingAssistant -> Idle, or Errored -> Idle

package conversation

// State is the phase of the operation currently running on a conversation.
type State int

const (
	StateIdle State = iota
	StateResolving
	StatePersistingUser
	StateStreaming
	StatePersistingAssistant
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StatePersistingUser:
		return "persisting_user"
	case StateStreaming:
		return "streaming"
	case StatePersistingAssistant:
		return "persisting_assistant"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}
