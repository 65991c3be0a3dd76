package obs

import "errors"

// ErrNotFound indicates an unknown execution, observation or stage id. For a
// pre-generated id this is a recoverable condition: the entity may simply not
// have been created yet.
var ErrNotFound = errors.New("obs: not found")

// ErrIdentifierConflict indicates a caller-supplied id is already in use. The
// caller must pick a new id or verify the existing record matches.
var ErrIdentifierConflict = errors.New("obs: identifier conflict")

// ErrPayloadNotReady indicates an offloaded payload whose upload has not
// completed yet. Transient; callers retry.
var ErrPayloadNotReady = errors.New("obs: payload not ready")

// ErrPayloadFailed indicates an offloaded payload whose upload failed
// terminally. The owning observation's metadata remains valid.
var ErrPayloadFailed = errors.New("obs: payload failed")

// ErrGraphIntegrity indicates a stage link that would introduce a cycle or a
// cross-run reference. Rejected at creation, never silently dropped.
var ErrGraphIntegrity = errors.New("obs: graph integrity violation")
