// Package util provides shared utility functions.
package util

import (
	"hash/fnv"

	"github.com/google/uuid"
)

// NewSessionID derives a 4-byte session id from a random UUID. Zero is
// reserved for "no session bound" and is never returned.
func NewSessionID() uint32 {
	for {
		id := uuid.New()
		h := fnv.New32a()
		h.Write(id[:])
		if v := h.Sum32(); v != 0 {
			return v
		}
	}
}
