package util

import "github.com/google/uuid"

// NewID returns a random id, optionally prefixed ("prop" -> "prop_<uuid>").
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
