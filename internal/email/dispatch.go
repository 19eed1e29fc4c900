package email

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Phase is the direction of an inbound transaction
type Phase int

const (
	// PhaseForward is mail from an external sender to an alias
	PhaseForward Phase = iota + 1
	// PhaseReply is mail from an alias owner to a reply handle
	PhaseReply
)

func (p Phase) String() string {
	switch p {
	case PhaseForward:
		return "forward"
	case PhaseReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Dispatcher classifies transactions by their recipient
type Dispatcher struct {
	prefixes []string
}

// NewDispatcher creates a dispatcher recognising the given reply prefixes
func NewDispatcher(prefixes []string) *Dispatcher {
	lowered := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		lowered = append(lowered, strings.ToLower(p))
	}
	return &Dispatcher{prefixes: lowered}
}

// Classify returns PhaseReply when the recipient's local part starts with a
// reply prefix and PhaseForward otherwise
func (d *Dispatcher) Classify(rcpt string) (Phase, error) {
	local, _, err := splitAddress(rcpt)
	if err != nil {
		return 0, err
	}
	local = strings.ToLower(local)
	for _, p := range d.prefixes {
		if strings.HasPrefix(local, p) {
			return PhaseReply, nil
		}
	}
	return PhaseForward, nil
}

// splitAddress parses a bare envelope address into local part and domain
func splitAddress(addr string) (string, string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", "", fmt.Errorf("empty address")
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return "", "", fmt.Errorf("invalid address %q", addr)
	}
	return parsed.Address[:at], parsed.Address[at+1:], nil
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
