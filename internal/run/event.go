package run

import "time"

// Type tags an event on a run's broadcast channel.
type Type string

const (
	TypeStart  Type = "start"
	TypeStdout Type = "stdout"
	TypeStderr Type = "stderr"
	TypeExit   Type = "exit"
	TypeError  Type = "error"
)

// Event is one message on a run's broadcast channel. For a given run,
// exactly one start event precedes any output or terminal event, and
// exactly one terminal event (exit or error) ends the sequence.
type Event struct {
	Type  Type   `json:"type"`
	RunID string `json:"run_id"`

	// start
	FileName  string     `json:"file_name,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`

	// stdout / stderr
	Chunk string `json:"chunk,omitempty"`

	// exit
	ExitCode   *int       `json:"exit_code,omitempty"`
	Signal     *string    `json:"signal,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Terminal reports whether this event ends its run's sequence.
func (e Event) Terminal() bool {
	return e.Type == TypeExit || e.Type == TypeError
}
