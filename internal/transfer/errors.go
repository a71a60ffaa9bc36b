package transfer

import "errors"

var (
	// ErrAlreadyDownloaded short-circuits a request whose final file exists.
	ErrAlreadyDownloaded = errors.New("already_downloaded")

	// ErrShuttingDown indicates the engine no longer accepts new sessions.
	ErrShuttingDown = errors.New("shutting_down")
)
