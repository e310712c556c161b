package connection

import "errors"

var (
	ErrRetriesExhausted = errors.New("connection retry budget exhausted")
	ErrConnectCancelled = errors.New("connect attempt cancelled by disconnect")
)
