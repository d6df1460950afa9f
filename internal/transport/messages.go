package transport

// Prefs is the client preference set announced to the backend. Sent as the
// first message after every connect and re-sent (debounced) whenever it
// changes.
type Prefs struct {
	ClientID    string
	Level       string
	Language    string
	Voice       string
	UseLocalTTS bool
	RolePlay    RolePlayState
	RAGContext  string
}

// RolePlayState describes the role-play scenario active for the session.
type RolePlayState struct {
	Enabled             bool
	Template            string
	OrganizationName    string
	RoleTitle           string
	OrganizationDetails string
}

// ── Outbound wire messages ────────────────────────────────────────────────────

type clientPrefsMessage struct {
	Type                    string `json:"type"`
	ClientID                string `json:"client_id"`
	Level                   string `json:"level,omitempty"`
	Language                string `json:"language,omitempty"`
	Voice                   string `json:"voice,omitempty"`
	UseLocalTTS             bool   `json:"use_local_tts"`
	RolePlayEnabled         bool   `json:"role_play_enabled"`
	RolePlayTemplate        string `json:"role_play_template,omitempty"`
	RolePlayOrganization    string `json:"role_play_organization_name,omitempty"`
	RolePlayRoleTitle       string `json:"role_play_role_title,omitempty"`
	RolePlayOrganizationDet string `json:"role_play_organization_details,omitempty"`
	RAGContext              string `json:"rag_context,omitempty"`
}

func prefsMessage(p Prefs) clientPrefsMessage {
	return clientPrefsMessage{
		Type:                    "client_prefs",
		ClientID:                p.ClientID,
		Level:                   p.Level,
		Language:                p.Language,
		Voice:                   p.Voice,
		UseLocalTTS:             p.UseLocalTTS,
		RolePlayEnabled:         p.RolePlay.Enabled,
		RolePlayTemplate:        p.RolePlay.Template,
		RolePlayOrganization:    p.RolePlay.OrganizationName,
		RolePlayRoleTitle:       p.RolePlay.RoleTitle,
		RolePlayOrganizationDet: p.RolePlay.OrganizationDetails,
		RAGContext:              p.RAGContext,
	}
}

type microphoneStartedMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Timestamp  int64  `json:"timestamp"`
}

// typeOnlyMessage covers ping, clear_roleplay, and get_roleplay_state.
type typeOnlyMessage struct {
	Type string `json:"type"`
}

// ── Inbound wire messages ─────────────────────────────────────────────────────

// serverEvent is the tagged union of all inbound control messages, dispatched
// by Type. Unknown types are ignored silently for forward compatibility.
type serverEvent struct {
	Type string `json:"type"`

	// ai_text_chunk, ai_text, ai_audio_chunk (optional caption),
	// final_transcript, interim_transcript
	Text         string `json:"text,omitempty"`
	IsFirstChunk bool   `json:"is_first_chunk,omitempty"`

	// ai_audio_chunk
	AudioBase64 string `json:"audio_base64,omitempty"`

	// error, role_play_cleared
	Message string `json:"message,omitempty"`

	// level_changed
	Level string `json:"level,omitempty"`

	// role_play_updated
	Enabled             bool   `json:"enabled,omitempty"`
	Template            string `json:"template,omitempty"`
	OrganizationName    string `json:"organization_name,omitempty"`
	RoleTitle           string `json:"role_title,omitempty"`
	OrganizationDetails string `json:"organization_details,omitempty"`

	// role_play_cleared
	Success bool `json:"success,omitempty"`
}

// Handlers is the inbound dispatch bag. Any field may be nil; nil handlers
// are skipped. Handlers are invoked from the transport's read goroutine and
// must not block.
type Handlers struct {
	// OnTextChunk delivers one streamed response-text fragment.
	OnTextChunk func(text string, isFirst bool)

	// OnText delivers a complete response text.
	OnText func(text string)

	// OnAudioStart signals a new synthesized utterance. Any queued or playing
	// audio from a previous utterance is now stale.
	OnAudioStart func()

	// OnAudioChunk delivers one playable unit, still base64-encoded, with its
	// optional caption. Decoding happens at the playback stage so a corrupt
	// chunk drops there without disturbing the read loop.
	OnAudioChunk func(audioBase64, text string)

	// OnAudioComplete marks end-of-utterance.
	OnAudioComplete func()

	// OnFinalTranscript delivers the backend's authoritative transcript of
	// the user's speech.
	OnFinalTranscript func(text string)

	// OnInterimTranscript delivers a low-latency transcript guess.
	OnInterimTranscript func(text string)

	// OnStopAudio orders an immediate playback stop.
	OnStopAudio func()

	// OnBackendError surfaces an application-level error event. Non-fatal.
	OnBackendError func(err *BackendError)

	// OnLevelChanged announces a backend-side difficulty level change to
	// adopt into the preference store.
	OnLevelChanged func(level string)

	// OnRolePlayUpdated delivers the current role-play state.
	OnRolePlayUpdated func(state RolePlayState)

	// OnRolePlayCleared confirms a clear_roleplay request.
	OnRolePlayCleared func(success bool, message string)

	// OnConnected fires after the preferences handshake completes on each
	// (re)connect.
	OnConnected func()

	// OnDisconnected fires on unexpected connection loss, before the
	// reconnect is scheduled.
	OnDisconnected func(err error)
}
