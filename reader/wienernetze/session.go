package wienernetze

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"metersync/logger"
)

// Session holds the opaque authenticated-client state returned by the
// identity provider. Token acquisition itself lives behind the
// Authenticator interface; this process only stores and replays the
// result.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// Valid reports whether the session can still be used for API calls.
// A small margin avoids using a token that expires mid-request.
func (s *Session) Valid() bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return time.Now().Add(30 * time.Second).Before(s.Expiry)
}

// SessionStore persists sessions as JSON so restarts and consecutive
// cycles do not re-authenticate from scratch.
type SessionStore struct {
	path string
	log  *logger.Log
}

func NewSessionStore(path string) *SessionStore {
	return &SessionStore{path: path, log: logger.GetLogger()}
}

// Save writes the session to disk, creating parent directories as
// needed.
func (st *SessionStore) Save(s *Session) error {
	if s == nil {
		return fmt.Errorf("no session to save")
	}
	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(st.path, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	st.log.WithComponent("session_store").WithFields(logger.Fields{"path": st.path}).Debug("session saved")
	return nil
}

// Load reads a previously saved session. A missing file yields (nil,
// nil); the caller authenticates from scratch.
func (st *SessionStore) Load() (*Session, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	st.log.WithComponent("session_store").WithFields(logger.Fields{"path": st.path}).Debug("session loaded")
	return &s, nil
}

// Clear removes the persisted session. Called after authentication
// failures so the next cycle starts clean.
func (st *SessionStore) Clear() error {
	if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	st.log.WithComponent("session_store").Debug("session cleared")
	return nil
}
