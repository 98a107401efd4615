package flow

import "errors"

var (
	// ErrReceptionCancelled means a flush aborted the call. The message was not
	// queued; the caller may retry once the flush is over.
	ErrReceptionCancelled = errors.New("flow: reception cancelled")
	// ErrFlushInProgress means the connection is being flushed; back off and retry.
	ErrFlushInProgress   = errors.New("flow: flush in progress")
	ErrUnknownConnection = errors.New("flow: unknown connection")
	ErrUnknownInstance   = errors.New("flow: unknown instance")
	ErrNotBlocked        = errors.New("flow: connection not blocked")
	ErrNotPriorityHolder = errors.New("flow: connection does not hold priority")
	ErrDecode            = errors.New("flow: cannot decode message")
)
