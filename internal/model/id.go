package model

import "github.com/oklog/ulid/v2"

// NewID returns a fresh ULID string. Pipeline runs and compile sessions use
// these as their identifiers, so listings sort in creation order.
func NewID() string {
	return ulid.Make().String()
}
