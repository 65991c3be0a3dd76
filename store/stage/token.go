package stage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/obs/store/ident"
)

// tokenPayload is the wire form of a stage handle. Field tags are part of the
// token format and must stay stable across releases.
type tokenPayload struct {
	ID               ident.ID          `json:"id"`
	ProjectID        string            `json:"project_id,omitempty"`
	RunID            ident.ID          `json:"run_id"`
	Name             string            `json:"name,omitempty"`
	AncestorGroupIDs []ident.ID        `json:"ancestor_group_ids,omitempty"`
	PreviousStageIDs []ident.ID        `json:"previous_stage_ids,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Token encodes the stage handle into an opaque, self-contained string. The
// token carries identifying fields only, no connection state, so it can travel
// through any out-of-band channel and be resumed by an unrelated process.
func Token(st Stage) (string, error) {
	if st.ID.IsZero() {
		return "", fmt.Errorf("stage id is required")
	}
	raw, err := json.Marshal(tokenPayload{
		ID:               st.ID,
		ProjectID:        st.ProjectID,
		RunID:            st.RunID,
		Name:             st.Name,
		AncestorGroupIDs: st.AncestorGroupIDs,
		PreviousStageIDs: st.PreviousStageIDs,
		Metadata:         st.Metadata,
		CreatedAt:        st.CreatedAt.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encode stage token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// FromToken decodes a token produced by Token into an equivalent stage handle.
func FromToken(token string) (Stage, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Stage{}, fmt.Errorf("invalid stage token: %w", err)
	}
	var p tokenPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Stage{}, fmt.Errorf("invalid stage token: %w", err)
	}
	if p.ID.IsZero() || p.RunID.IsZero() {
		return Stage{}, fmt.Errorf("invalid stage token: missing ids")
	}
	return Stage{
		ID:               p.ID,
		ProjectID:        p.ProjectID,
		RunID:            p.RunID,
		Name:             p.Name,
		AncestorGroupIDs: p.AncestorGroupIDs,
		PreviousStageIDs: p.PreviousStageIDs,
		Metadata:         p.Metadata,
		CreatedAt:        p.CreatedAt,
	}, nil
}
