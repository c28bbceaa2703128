package peers

import (
	"encoding/json"
	"errors"
)

// Status is the accountability status of a peer as seen by this witness.
type Status int

const (
	// StatusTrusted - no outstanding evidence
	StatusTrusted Status = iota
	// StatusSuspected - the peer failed to answer a challenge
	StatusSuspected
	// StatusExposed - verifiable evidence of misbehaviour exists
	StatusExposed
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusTrusted:
		return "trusted"
	case StatusSuspected:
		return "suspected"
	case StatusExposed:
		return "exposed"
	default:
		return "unknown"
	}
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "trusted":
		return StatusTrusted, nil
	case "suspected":
		return StatusSuspected, nil
	case "exposed":
		return StatusExposed, nil
	default:
		return StatusTrusted, errors.New("invalid status")
	}
}

// MarshalJSON implements json.Marshaler for Status.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler for Status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = status
	return nil
}
