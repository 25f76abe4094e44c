package types

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrValueTooLarge    = errors.New("value exceeds per-key size limit")
	ErrMalformedCommand = errors.New("malformed command")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrBusy             = errors.New("channel busy")
	ErrNoSample         = errors.New("no motion sample available")
	ErrTransferInFlight = errors.New("sync already pending or in progress")
)
