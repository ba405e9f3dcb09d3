package session

import "errors"

var (
	errInvalidNickname = errors.New("session: nickname must not be empty")
	errNotInCall        = errors.New("session: no active call")
)
