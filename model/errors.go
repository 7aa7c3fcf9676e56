package model

import "errors"

var (
	ErrStoreRead           = errors.New("store read failure")
	ErrStoreWrite          = errors.New("store write failure")
	ErrTransactionCommit   = errors.New("transaction commit failure")
	ErrProtocolPost        = errors.New("protocol post failure")
	ErrMissingCollaborator = errors.New("missing collaborator")
)
