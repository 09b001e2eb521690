package sync

import "errors"

var (
	// ErrSyncInProgress is returned when a sync is requested while
	// another one holds the single-flight lock.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrUnknownSyncType is returned by TriggerManualSync for a sync
	// kind it does not recognize.
	ErrUnknownSyncType = errors.New("unknown sync type")

	// ErrNotRunning is returned for operations that require a started
	// scheduler.
	ErrNotRunning = errors.New("scheduler is not running")

	// ErrAlreadyStarted is returned by Start when the scheduler has
	// already been started.
	ErrAlreadyStarted = errors.New("scheduler already started")
)
