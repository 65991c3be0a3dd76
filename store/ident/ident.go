// Package ident generates and parses the identifiers used for executions,
// observations, payloads and stages.
//
// Identifiers are UUIDv7 values rendered as 32 lowercase hex characters.
// Generation requires no coordination with the store, so clients can mint an
// id, hand it out (for example in a URL), and only later create the entity it
// names. The encoding is safe to use as a URL path segment and sorts in rough
// creation order, which makes newest-first listings cheap. Rough ordering is
// never relied on to order observations within an execution; the append
// sequence number is the only sort key there.
package ident

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ID is an opaque entity identifier.
type ID string

// New returns a fresh UUIDv7 identifier.
func New() ID {
	u := uuid.Must(uuid.NewV7())
	return ID(hex.EncodeToString(u[:]))
}

// Parse validates s and returns it in canonical 32-hex form. Both the plain
// and the hyphenated UUID renderings are accepted.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	return ID(hex.EncodeToString(u[:])), nil
}

// String returns the canonical encoding.
func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id == ""
}
