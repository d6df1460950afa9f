package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/parlo-app/parlo/internal/transport"
)

// prefsStore holds the process-wide session preferences. The client id is
// generated once and survives reconnects within the process run; backend
// level confirmations are adopted here so the next handshake carries them.
type prefsStore struct {
	mu    sync.Mutex
	prefs transport.Prefs
}

func newPrefsStore(level, language, voice string) *prefsStore {
	return &prefsStore{
		prefs: transport.Prefs{
			ClientID: uuid.NewString(),
			Level:    level,
			Language: language,
			Voice:    voice,
		},
	}
}

// Snapshot returns a copy of the current preferences.
func (s *prefsStore) Snapshot() transport.Prefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// SetLevel records a locally chosen difficulty level.
func (s *prefsStore) SetLevel(level string) transport.Prefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs.Level = level
	return s.prefs
}

// AdoptLevel records a backend-confirmed level without treating it as a
// local change.
func (s *prefsStore) AdoptLevel(level string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs.Level = level
}

// SetLanguage records the conversation language.
func (s *prefsStore) SetLanguage(lang string) transport.Prefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs.Language = lang
	return s.prefs
}

// SetVoice records the synthesis voice choice.
func (s *prefsStore) SetVoice(voice string) transport.Prefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs.Voice = voice
	return s.prefs
}

// SetLocalTTS toggles local versus remote synthesis.
func (s *prefsStore) SetLocalTTS(local bool) transport.Prefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs.UseLocalTTS = local
	return s.prefs
}

// SetRolePlay replaces the role-play scenario.
func (s *prefsStore) SetRolePlay(rp transport.RolePlayState) transport.Prefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs.RolePlay = rp
	return s.prefs
}

// AdoptRolePlay records a backend-confirmed role-play state.
func (s *prefsStore) AdoptRolePlay(rp transport.RolePlayState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs.RolePlay = rp
}

// ClearRolePlay drops the role-play scenario.
func (s *prefsStore) ClearRolePlay() transport.Prefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs.RolePlay = transport.RolePlayState{}
	return s.prefs
}

// SetRAGContext replaces the retrieval context sent with the handshake.
func (s *prefsStore) SetRAGContext(ctx string) transport.Prefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs.RAGContext = ctx
	return s.prefs
}
