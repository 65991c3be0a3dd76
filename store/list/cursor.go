package list

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"goa.design/obs/store/ident"
)

type (
	// execCursor pins an execution listing to a snapshot. Anchor is the
	// newest execution id in the snapshot; Before bounds the page from above,
	// exclusive. The JSON tags are part of the wire format.
	execCursor struct {
		Scope  string   `json:"s"`
		Anchor ident.ID `json:"a"`
		Before ident.ID `json:"b,omitempty"`
		Size   int      `json:"n"`
	}

	// obsCursor pins an observation listing to a snapshot of one execution's
	// log. Anchor is the log length at snapshot time; the page covers
	// sequence numbers (After, After+Size].
	obsCursor struct {
		Scope       string   `json:"s"`
		ExecutionID ident.ID `json:"e"`
		Anchor      uint64   `json:"a"`
		After       uint64   `json:"f"`
		Size        int      `json:"n"`
	}
)

const (
	execScope = "exe"
	obsScope  = "obs"
)

func encodeExecCursor(c execCursor) (string, error) {
	c.Scope = execScope
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeExecCursor(s string) (execCursor, error) {
	var c execCursor
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("invalid cursor: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("invalid cursor: %w", err)
	}
	if c.Scope != execScope {
		return c, fmt.Errorf("invalid cursor scope %q", c.Scope)
	}
	if c.Anchor.IsZero() || c.Size <= 0 {
		return c, fmt.Errorf("invalid cursor")
	}
	return c, nil
}

func encodeObsCursor(c obsCursor) (string, error) {
	c.Scope = obsScope
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeObsCursor(s string) (obsCursor, error) {
	var c obsCursor
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("invalid cursor: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("invalid cursor: %w", err)
	}
	if c.Scope != obsScope {
		return c, fmt.Errorf("invalid cursor scope %q", c.Scope)
	}
	if c.ExecutionID.IsZero() || c.Size <= 0 {
		return c, fmt.Errorf("invalid cursor")
	}
	return c, nil
}
