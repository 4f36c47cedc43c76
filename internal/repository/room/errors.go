package room

import "errors"

var (
	ErrTableCorrupted = errors.New("room table corrupted")
)
