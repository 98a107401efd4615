package checkpoint

import "errors"

var (
	ErrDuplicateType           = errors.New("an object of the same type is already registered")
	ErrNotCheckpointable       = errors.New("object does not expose checkpointable state")
	ErrIncompleteCheckpoint    = errors.New("checkpoint does not contain every registered object")
	ErrCorruptSnapshot         = errors.New("snapshot checksum mismatch")
	ErrCheckpointNotFound      = errors.New("checkpoint not found")
	ErrCheckpointAlreadyStored = errors.New("checkpoint already stored")
	ErrCheckpointRestoration   = errors.New("checkpoint restoration failed")
	ErrNoValidRecoveryLine     = errors.New("no valid recovery line")
)
