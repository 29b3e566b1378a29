// Package events defines event types and payloads for the Nethergate event system.
package events

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle
	EventSessionOpened EventType = "session_opened"
	EventSessionClosed EventType = "session_closed"

	// Player lifecycle
	EventPlayerJoin     EventType = "player_join"
	EventPlayerQuit     EventType = "player_quit"
	EventPlayerTransfer EventType = "player_transfer"

	// Backend links
	EventBackendAdded   EventType = "backend_added"
	EventBackendRemoved EventType = "backend_removed"

	// Tick surfaces
	EventQueryRegenerate EventType = "query_regenerate"
	EventStatus          EventType = "status"

	// Admin
	EventBanChanged EventType = "ban_changed"

	// System
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload describes a RakNet session transition.
type SessionPayload struct {
	Address string `json:"address"`
	GUID    uint64 `json:"guid"`
	Reason  string `json:"reason,omitempty"`
}

// PlayerPayload describes a player joining, leaving, or moving.
type PlayerPayload struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Backend string `json:"backend,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// BackendPayload describes a backend server link change.
type BackendPayload struct {
	Hash        string `json:"hash"`
	Address     string `json:"address"`
	Description string `json:"description"`
	Lobby       bool   `json:"lobby"`
	Reason      string `json:"reason,omitempty"`
}

// BanPayload is emitted when the ban list changes.
type BanPayload struct {
	IP     string `json:"ip"`
	Reason string `json:"reason,omitempty"`
	Banned bool   `json:"banned"`
}

// ShutdownPayload is emitted once when the proxy begins stopping.
type ShutdownPayload struct {
	Reason string `json:"reason"`
}
