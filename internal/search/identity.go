package search

// Identity is the composite key for an indexed session. Session ids are
// assigned by the originating tool and are not unique across tools, so
// every index structure, merge map and coverage set keys on this pair.
type Identity struct {
	SessionID string `json:"sessionId"`
	Source    string `json:"source"`
}

// Key returns the canonical composite map key.
func (id Identity) Key() string {
	return id.Source + ":" + id.SessionID
}
