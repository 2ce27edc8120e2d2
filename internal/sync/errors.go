package sync

import "fmt"

// SyncError reports the failure of one collection's sync. Stage names the
// step that failed: "pull", "apply", "push" or "mark".
type SyncError struct {
	Collection  string
	SyncingUp   bool
	SyncingDown bool
	Stage       string
	Err         error
}

func (e *SyncError) Error() string {
	dir := "sync"
	switch {
	case e.SyncingUp:
		dir = "sync up"
	case e.SyncingDown:
		dir = "sync down"
	}
	if e.Stage == "" {
		return fmt.Sprintf("%s %s: %v", dir, e.Collection, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", dir, e.Collection, e.Stage, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
