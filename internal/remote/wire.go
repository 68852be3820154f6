// Package remote runs participants through a process-controller agent on
// another host, device or browser.
//
// The driver talks to the agent over a websocket carrying JSON messages. The
// agent spawns the requested command locally and relays its merged output
// back line by line.
package remote

// Message ops.
const (
	OpStart   = "start"
	OpInput   = "input"
	OpSignal  = "signal"
	OpStarted = "started"
	OpOutput  = "output"
	OpExit    = "exit"
	OpError   = "error"
)

// Message is one websocket frame in either direction.
type Message struct {
	Op string `json:"op"`
	ID string `json:"id,omitempty"`

	// start
	Argv    []string          `json:"argv,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Runtime string            `json:"runtime,omitempty"`

	// input, output
	Data string `json:"data,omitempty"`

	// signal
	Signal string `json:"signal,omitempty"`

	// started, exit
	Pid    int `json:"pid,omitempty"`
	Status int `json:"status"`

	// error
	Message string `json:"message,omitempty"`
}

// PingResponse is served on GET /v1/ping.
type PingResponse struct {
	Identity string `json:"identity"`
	Version  string `json:"version"`
}
