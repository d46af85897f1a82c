package engine

import (
	"sync"
	"time"
)

// State is the lifecycle state of the connection state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateStreaming
	StateClosing
	StateClosed
)

var stateNames = [...]string{"idle", "connecting", "authenticating", "streaming", "closing", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is a point-in-time, read-only copy of the engine status.
type Snapshot struct {
	State              State     `json:"state"`
	Reason             string    `json:"reason,omitempty"`
	SessionID          string    `json:"session_id,omitempty"`
	Endpoint           string    `json:"endpoint,omitempty"`
	ConnectedAt        time.Time `json:"connected_at,omitempty"`
	HeartbeatsSent     uint64    `json:"heartbeats_sent"`
	LastHeartbeatReply time.Time `json:"last_heartbeat_reply,omitempty"`
	MissedHeartbeats   int       `json:"missed_heartbeats"` // sent before the previous one was acknowledged
	MessagesReceived   uint64    `json:"messages_received"`
	FrameErrors        uint64    `json:"frame_errors"`
	EventsDropped      uint64    `json:"events_dropped"`
}

// statusStore holds the snapshot. The background goroutine is its only
// writer; the facade only reads.
type statusStore struct {
	mu   sync.RWMutex
	data Snapshot
}

func (s *statusStore) load() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

func (s *statusStore) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.data)
	s.mu.Unlock()
}
