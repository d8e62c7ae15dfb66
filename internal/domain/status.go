package domain

import "fmt"

// Status is the delivery state of a message.
// Order: Sending < Sent < Delivered < Read. Failed is terminal.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

var statusNames = map[Status]string{
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusFailed:    "failed",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus maps the wire name to a Status.
func ParseStatus(v string) (Status, error) {
	for s, n := range statusNames {
		if n == v {
			return s, nil
		}
	}
	return StatusSending, fmt.Errorf("unknown status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether no further status writes apply.
func (s Status) Terminal() bool { return s == StatusFailed }

// CanAdvanceTo reports whether moving from s to next respects the forward-only order.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next > s
}
