package session

// ProcessGroup signals every process in a run's process group.
//
// Signalling a group that has already exited is not an error.
type ProcessGroup interface {
	// ID returns the process group ID.
	ID() int
	// Terminate asks the group to exit gracefully.
	Terminate() error
	// Kill forcefully stops every process in the group.
	Kill() error
	// Alive reports whether any process in the group still exists.
	Alive() bool
}
