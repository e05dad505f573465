package models

import "errors"

// ErrNotFound is returned by every store implementation when a lookup matches no row.
var ErrNotFound = errors.New("record not found")
