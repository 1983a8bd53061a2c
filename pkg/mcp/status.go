package mcp

// DesiredState is the caller-declared target state for a client. The client
// reconciles toward it asynchronously.
type DesiredState string

const (
	DesiredConnected    DesiredState = "connected"
	DesiredDisconnected DesiredState = "disconnected"
	DesiredDisposed     DesiredState = "disposed"
)

// StatusKind is the realized state of the client state machine. Connecting
// and connected substates are flattened into distinct kinds.
type StatusKind string

const (
	StatusDisconnected            StatusKind = "disconnected"
	StatusConnectingInitializing  StatusKind = "connecting.initializing"
	StatusConnectingAwaitingOAuth StatusKind = "connecting.awaitingOAuth"
	StatusConnectedInitial        StatusKind = "connected.initial"
	StatusConnectedToolDiscovered StatusKind = "connected.toolDiscovered"
	StatusDisconnecting           StatusKind = "disconnecting"
	StatusDisconnectingDueToError StatusKind = "disconnectingDueToError"
	StatusError                   StatusKind = "error"
	StatusAborting                StatusKind = "aborting"
	StatusDisposed                StatusKind = "disposed"
)

// IsConnecting reports whether the kind is a connecting substate.
func (k StatusKind) IsConnecting() bool {
	return k == StatusConnectingInitializing || k == StatusConnectingAwaitingOAuth
}

// IsConnected reports whether the kind is a connected substate.
func (k StatusKind) IsConnected() bool {
	return k == StatusConnectedInitial || k == StatusConnectedToolDiscovered
}

// Status is the externally observable client state. It is comparable so the
// status stream can de-duplicate consecutive identical values.
type Status struct {
	Kind      StatusKind   `json:"kind"`
	Desired   DesiredState `json:"desired"`
	LastError string       `json:"lastError,omitempty"`

	// OAuthURL is set only in connecting.awaitingOAuth.
	OAuthURL string `json:"oauthUrl,omitempty"`

	// ToolCount is non-zero only in connected.toolDiscovered.
	ToolCount int `json:"toolCount,omitempty"`
}
