package session

// State is the high-level conversation state. Transitions are driven by user
// actions (start/stop microphone), detector events and backend events; the
// controller serializes all of them.
type State int

const (
	// StateDisconnected means no live connection. Recoverable: the transport
	// keeps reconnecting until the session is closed.
	StateDisconnected State = iota

	// StateConnecting means a dial is in progress.
	StateConnecting

	// StateIdle means connected with the preferences handshake done, waiting
	// for the user to start the microphone.
	StateIdle

	// StateListening means capture and the detector are running.
	StateListening

	// StateTranscribing means the detector reported speech and transcripts
	// are arriving.
	StateTranscribing

	// StateWaitingForResponse means a final transcript went out and no
	// response audio or text has arrived yet.
	StateWaitingForResponse

	// StateSpeaking means response audio is rendering.
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateWaitingForResponse:
		return "waiting_for_response"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}
