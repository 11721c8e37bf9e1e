package voice

import "time"

const vadRefreshInterval = 750 * time.Millisecond

// vadDispatchState suppresses repeated identical VAD states so the client is
// not flooded while nothing changes. A state is re-emitted after the refresh
// interval so a stuck UI can still resynchronize.
type vadDispatchState struct {
	lastState string
	lastAt    time.Time
}

func (s *vadDispatchState) ShouldEmit(state string, now time.Time) bool {
	if state == "" {
		return false
	}
	if state == s.lastState && now.Sub(s.lastAt) < vadRefreshInterval {
		return false
	}
	s.lastState = state
	s.lastAt = now
	return true
}

func (s *vadDispatchState) Reset() {
	s.lastState = ""
	s.lastAt = time.Time{}
}
