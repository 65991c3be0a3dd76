// Package obs defines the records held by the observation store and the error
// taxonomy shared by its services.
//
// An Execution is a named root container created once. Observations are
// appended to it over its lifetime and are totally ordered by a per-execution
// sequence number assigned at append time. Wall-clock timestamps are advisory
// only: producers submit concurrently with skewed clocks, so creation time is
// never a sort key.
package obs

import (
	"time"

	"goa.design/obs/store/ident"
)

type (
	// Execution is the root container for a stream of observations. It is
	// immutable once created except for the observation sequence it owns.
	Execution struct {
		// ID is the execution identifier. Clients may pre-generate it before
		// the execution exists.
		ID ident.ID
		// Name is the user-supplied display name.
		Name string
		// Metadata holds user-supplied key/value pairs.
		Metadata map[string]string
		// CreatedAt is when the execution was created (UTC).
		CreatedAt time.Time
	}

	// Observation is a single immutable record owned by exactly one execution.
	Observation struct {
		// ID is the observation identifier.
		ID ident.ID
		// ExecutionID names the owning execution.
		ExecutionID ident.ID
		// Seq is the per-execution append sequence number, assigned atomically
		// by the store. Sequence numbers are contiguous from 1 and are the only
		// legitimate sort key for listing.
		Seq uint64
		// Name is the user-supplied display name.
		Name string
		// Payload locates the observation payload, inline or offloaded.
		Payload PayloadRef
		// Labels are hierarchical grouping labels (path convention, e.g.
		// "api/request/headers").
		Labels []string
		// Metadata is an ordered sequence of key/value pairs. Keys need not be
		// unique.
		Metadata []MetadataPair
		// Source optionally records where in the producer the observation was
		// emitted.
		Source *SourceRef
		// CreatedAt is the producer-reported creation time (UTC, advisory).
		CreatedAt time.Time
	}

	// MetadataPair is one entry of an observation's ordered metadata.
	MetadataPair struct {
		Key   string
		Value string
	}

	// SourceRef locates the producer source line that emitted an observation.
	SourceRef struct {
		File string
		Line int
	}

	// PayloadState tracks the availability of an offloaded payload. Inline
	// payloads are always ready.
	PayloadState int

	// PayloadRef locates an observation payload. Payloads at or below the
	// offload threshold are stored inline; larger ones live in a blob area and
	// only the key is stored with the observation. Readers never need to know
	// which placement was chosen.
	PayloadRef struct {
		// Inline holds the payload bytes when stored inline.
		Inline []byte
		// BlobKey names the blob when the payload was offloaded.
		BlobKey string
		// MIMEType describes the payload content.
		MIMEType string
		// Size is the payload size in bytes regardless of placement.
		Size int
		// State is the payload availability as persisted. Offloaded payloads
		// are recorded Pending and stay so on success; readers infer readiness
		// from the blob's existence. Failed is recorded when the upload
		// exhausts its retries.
		State PayloadState
	}
)

const (
	// PayloadStateReady means the payload bytes are retrievable.
	PayloadStateReady PayloadState = iota
	// PayloadStatePending means the blob upload was started and has not
	// failed terminally. The blob may already exist or still be in flight.
	PayloadStatePending
	// PayloadStateFailed means the blob upload failed terminally. The
	// observation metadata stays valid; only the payload is lost.
	PayloadStateFailed
)

// String returns the state name.
func (s PayloadState) String() string {
	switch s {
	case PayloadStateReady:
		return "ready"
	case PayloadStatePending:
		return "pending"
	case PayloadStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Inlined reports whether the payload is stored inline with the observation.
func (r PayloadRef) Inlined() bool {
	return r.BlobKey == ""
}
