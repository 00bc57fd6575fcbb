// Package events defines the notifications published by the query and RCON
// clients and the bus that carries them.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Server registry events
	EventServerAdded   EventType = "server_added"
	EventServerRemoved EventType = "server_removed"
	EventServerStatus  EventType = "server_status"
	EventLatencyAlert  EventType = "latency_alert"

	// RCON events
	EventRCONConnected       EventType = "rcon_connected"
	EventRCONDisconnected    EventType = "rcon_disconnected"
	EventRCONPasswordChanged EventType = "rcon_password_changed"
	EventRCONCommand         EventType = "rcon_command"

	// Raw datagrams seen on the shared UDP sockets
	EventPacket EventType = "packet"

	// System events
	EventHeartbeat     EventType = "heartbeat"
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// ServerStatus is the health of a monitored server as seen by the poller.
type ServerStatus int

const (
	StatusUnknown ServerStatus = iota
	StatusOnline
	StatusDegraded
	StatusOffline
)

var serverStatusStrings = map[ServerStatus]string{
	StatusUnknown:  "unknown",
	StatusOnline:   "online",
	StatusDegraded: "degraded",
	StatusOffline:  "offline",
}

// String returns the string representation of ServerStatus.
func (s ServerStatus) String() string {
	if str, ok := serverStatusStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes ServerStatus as a JSON string (e.g. "online").
func (s ServerStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// ServerPayload identifies a server added to or removed from the manager.
type ServerPayload struct {
	Address string
	Name    string
}

// ServerStatusPayload is emitted by the poller after each sweep of a server.
type ServerStatusPayload struct {
	Address    string
	Status     ServerStatus
	Previous   ServerStatus
	Name       string
	Map        string
	Players    int
	MaxPlayers int
	Ping       time.Duration
	Error      string
}

// LatencyAlertPayload is raised when a server's round trips or timeouts
// cross the monitor's thresholds.
type LatencyAlertPayload struct {
	Address  string
	Level    string
	Timeouts int
	AvgPing  time.Duration
	Message  string
}

// HeartbeatPayload summarizes the monitored fleet.
type HeartbeatPayload struct {
	Servers      int
	Online       int
	Offline      int
	RCONSessions int
	Sockets      int
}

// RCONDisconnectedPayload reports why an RCON session ended.
type RCONDisconnectedPayload struct {
	Address string
	Reason  string
}

// RCONPasswordChangedPayload is emitted when a reconnect is refused with
// the cached password.
type RCONPasswordChangedPayload struct {
	Address string
}

// RCONCommandPayload records an executed command.
type RCONCommandPayload struct {
	Address  string
	Command  string
	Bytes    int
	Duration time.Duration
}

// PacketPayload carries one datagram observed on a shared socket.
type PacketPayload struct {
	Peer      string
	Direction string
	Data      []byte
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
