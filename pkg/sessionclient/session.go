package sessionclient

import "sync"

// Session is the client-side half of a login: the current access token and a
// generation counter bumped on every change. The refresh secret never lives
// here; it stays in the agent's cookie jar.
type Session struct {
	mu          sync.RWMutex
	accessToken string
	generation  uint64
	active      bool
}

// Token returns the current access token and its generation.
func (s *Session) Token() (string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken, s.generation
}

// Active reports whether the session has been started and not ended since.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Session) start(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = token
	s.active = true
	s.generation++
}

// rotate installs a refreshed token unless the session ended meanwhile.
func (s *Session) rotate(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.accessToken = token
	s.generation++
	return true
}

// end clears the session and reports whether this call ended it.
func (s *Session) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.active
	s.accessToken = ""
	s.active = false
	s.generation++
	return was
}
