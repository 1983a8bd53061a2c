package mcp

// ManagerEventType enumerates fleet-level changes emitted by the Manager.
type ManagerEventType string

const (
	EventServerAdded         ManagerEventType = "server_added"
	EventServerRemoved       ManagerEventType = "server_removed"
	EventServerUpdated       ManagerEventType = "server_updated"
	EventClientStatusChanged ManagerEventType = "client_status_changed"
	EventToolsChanged        ManagerEventType = "tools_changed"
)

// ManagerEvent is one fleet-level change. Status is set for
// client_status_changed events.
type ManagerEvent struct {
	Type     ManagerEventType `json:"type"`
	ServerID string           `json:"serverId,omitempty"`
	Status   *Status          `json:"status,omitempty"`
}
