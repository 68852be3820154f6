package suite

// State is the phase a running test case is in.
type State int

const (
	// StateCreated is the initial state before any participant started.
	StateCreated State = iota

	// StateServersStarting indicates servers are being started in declaration order.
	StateServersStarting

	// StateServersReady indicates every server printed its ready lines.
	StateServersReady

	// StateClientsRunning indicates clients are running in declaration order.
	StateClientsRunning

	// StateServersStopping indicates servers are being stopped in reverse order.
	StateServersStopping

	// StateDone is terminal. The case error, if any, tells success from failure.
	StateDone
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateServersStarting:
		return "servers starting"
	case StateServersReady:
		return "servers ready"
	case StateClientsRunning:
		return "clients running"
	case StateServersStopping:
		return "servers stopping"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// IsActive returns true while participants may be running.
func (s State) IsActive() bool {
	return s > StateCreated && s < StateDone
}

// IsTerminal returns true once the case finished.
func (s State) IsTerminal() bool {
	return s == StateDone
}
