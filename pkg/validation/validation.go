package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxSDPLength       = 64 * 1024
	maxCandidateLength = 1024
)

var (
	// UserIDRegex validates directory user IDs
	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)

	// CallIDRegex validates call IDs
	CallIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateUserID validates a user ID used for presence and routing
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(userID) > 128 {
		return fmt.Errorf("user ID is too long (max 128 characters)")
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

// ValidateChannelRef validates a relay-issued channel reference
func ValidateChannelRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("channel ref is required")
	}
	if _, err := uuid.Parse(ref); err != nil {
		return fmt.Errorf("invalid channel ref: %w", err)
	}
	return nil
}

// ValidateCallID validates call ID
func ValidateCallID(callID string) error {
	if callID == "" {
		return fmt.Errorf("call ID is required")
	}
	if len(callID) > 100 {
		return fmt.Errorf("call ID is too long (max 100 characters)")
	}
	if !CallIDRegex.MatchString(callID) {
		return fmt.Errorf("invalid call ID format")
	}
	return nil
}

// ValidateSDP performs a shallow sanity check on a session description
func ValidateSDP(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("sdp is required")
	}
	if len(sdp) > maxSDPLength {
		return fmt.Errorf("sdp is too large (max %d bytes)", maxSDPLength)
	}
	if !strings.HasPrefix(sdp, "v=0") {
		return fmt.Errorf("sdp must start with v=0")
	}
	if !utf8.ValidString(sdp) {
		return fmt.Errorf("sdp contains invalid characters")
	}
	return nil
}

// ValidateCandidate validates an ICE candidate line. An empty candidate
// signals end of gathering and is accepted.
func ValidateCandidate(candidate string) error {
	if candidate == "" {
		return nil
	}
	if len(candidate) > maxCandidateLength {
		return fmt.Errorf("candidate is too long (max %d characters)", maxCandidateLength)
	}
	if !strings.HasPrefix(candidate, "candidate:") {
		return fmt.Errorf("candidate must start with candidate:")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL validates a stun:/turn:/turns: URI
func ValidateICEServerURL(uri string) error {
	for _, scheme := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(uri, scheme) && len(uri) > len(scheme) {
			return nil
		}
	}
	return fmt.Errorf("invalid ICE server URL %q", uri)
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
