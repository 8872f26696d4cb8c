package negotiation

import (
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// descriptionAttribute returns the first value of an SDP attribute, looking
// at session level before the media sections. An unparsable description
// yields "".
func descriptionAttribute(description *webrtc.SessionDescription, key string) string {
	if description == nil || description.SDP == "" {
		return ""
	}
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(description.SDP); err != nil {
		return ""
	}
	if value, ok := parsed.Attribute(key); ok {
		return value
	}
	for _, media := range parsed.MediaDescriptions {
		if value, ok := media.Attribute(key); ok {
			return value
		}
	}
	return ""
}

// DescriptionUfrag returns the ICE username fragment of a description, or
// "" when it has none.
func DescriptionUfrag(description *webrtc.SessionDescription) string {
	return descriptionAttribute(description, "ice-ufrag")
}

// DescriptionFingerprint returns the DTLS certificate fingerprint of a
// description, or "" when it has none.
func DescriptionFingerprint(description *webrtc.SessionDescription) string {
	return descriptionAttribute(description, "fingerprint")
}

// CandidateUfrag returns the username fragment a candidate belongs to,
// taken from its UsernameFragment field or its "ufrag" extension.
func CandidateUfrag(candidate webrtc.ICECandidateInit) string {
	if candidate.UsernameFragment != nil && *candidate.UsernameFragment != "" {
		return *candidate.UsernameFragment
	}
	fields := strings.Fields(candidate.Candidate)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "ufrag" {
			return fields[i+1]
		}
	}
	return ""
}

// belongsTo reports whether candidate may be applied under description.
// Candidates or descriptions without a known ufrag always match.
func belongsTo(candidate webrtc.ICECandidateInit, description *webrtc.SessionDescription) bool {
	ufrag := CandidateUfrag(candidate)
	if ufrag == "" {
		return true
	}
	current := DescriptionUfrag(description)
	return current == "" || current == ufrag
}
