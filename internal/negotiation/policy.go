package negotiation

import "fmt"

// RenegotiationPolicy decides what happens to a new local offer while an
// earlier one is still waiting for its answer. Colliding inbound offers are
// settled by politeness instead; see Session.
type RenegotiationPolicy string

const (
	// RenegotiationReplace tears down the pending attempt and starts over
	// with the new offer.
	RenegotiationReplace RenegotiationPolicy = "replace"
	// RenegotiationReject drops the new offer with a warning.
	RenegotiationReject RenegotiationPolicy = "reject"
	// RenegotiationQueue holds the new offer until the outstanding one is
	// answered or times out. Only the latest held offer is kept.
	RenegotiationQueue RenegotiationPolicy = "queue"
)

// ParseRenegotiationPolicy validates a policy name. Empty means replace.
func ParseRenegotiationPolicy(s string) (RenegotiationPolicy, error) {
	switch RenegotiationPolicy(s) {
	case "":
		return RenegotiationReplace, nil
	case RenegotiationReplace, RenegotiationReject, RenegotiationQueue:
		return RenegotiationPolicy(s), nil
	}
	return "", fmt.Errorf("unknown renegotiation policy %q", s)
}
