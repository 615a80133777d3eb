package amelisa

import "errors"

var (
	ErrVersionConflict = errors.New("amelisa: stored version does not match prevVersion")
	ErrDocExists       = errors.New("amelisa: doc already exists")
	ErrClosed          = errors.New("amelisa: closed")
	ErrNotConnected    = errors.New("amelisa: channel is not open")
	ErrAckTimeout      = errors.New("amelisa: no ack received in time")
	ErrSaveFailed      = errors.New("amelisa: doc save failed")
	ErrRejected        = errors.New("amelisa: op rejected")
	ErrProjectionField = errors.New("amelisa: field is not part of the projection")
	ErrUnknownMessage  = errors.New("amelisa: unknown message type")
)
