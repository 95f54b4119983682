package deliberation

import "errors"

var (
	// ErrNoAgents is returned by Start when the roster is empty
	ErrNoAgents = errors.New("at least one agent is required to start a deliberation")
	// ErrMissingCredential is returned when no API key resolves for an agent
	ErrMissingCredential = errors.New("no API credential")
	// ErrRunActive is returned by operations that need an idle session
	ErrRunActive = errors.New("a run is active")
	// ErrNoActiveRun is returned by Pause, Resume and Cancel without a run
	ErrNoActiveRun = errors.New("no active run")
	// ErrNoCompleter is returned by Start when no model completer is configured
	ErrNoCompleter = errors.New("no model completer configured")
)
