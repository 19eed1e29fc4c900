package email

import (
	"errors"
	"strings"

	"github.com/emersion/go-message/mail"
)

// MarkerHeader tags messages the relay has forwarded
const MarkerHeader = "X-Alias-Relay-Type"

// ErrAlreadyTransformed is returned when a transform is applied twice
var ErrAlreadyTransformed = errors.New("message already transformed")

// ForwardTransform rewrites a message on its way from an external sender to the alias owner
type ForwardTransform struct {
	Sender         *mail.Address // original From
	ReplyHandle    string
	UnsubscribeURL string
}

// Apply rewrites From so replies route through the relay, drops Reply-To and
// adds the unsubscribe and marker headers
func (t ForwardTransform) Apply(m *Message) error {
	if m.transformed {
		return ErrAlreadyTransformed
	}

	m.Header.SetAddressList("From", []*mail.Address{{
		Name:    forwardDisplayName(t.Sender),
		Address: t.ReplyHandle,
	}})
	m.Header.Del("Reply-To")
	setUnsubscribe(m, t.UnsubscribeURL)
	m.Header.Set(MarkerHeader, "Forward")

	m.transformed = true
	return nil
}

// ReplyTransform rewrites an owner's reply so it appears to come from the alias
type ReplyTransform struct {
	Alias          string
	Owner          string // real mailbox, must not reach the external sender
	ExternalSender string
	UnsubscribeURL string
}

// Apply drops signatures the rewrite invalidates, replaces From and To and
// removes every header that could carry the owner's mailbox
func (t ReplyTransform) Apply(m *Message) error {
	if m.transformed {
		return ErrAlreadyTransformed
	}

	m.Header.Del("DKIM-Signature")
	m.Header.Del("Reply-To")
	m.Header.Del("Sender")
	m.Header.SetAddressList("From", []*mail.Address{{Address: t.Alias}})
	m.Header.SetAddressList("To", []*mail.Address{{Address: t.ExternalSender}})
	for _, key := range []string{"Cc", "Bcc"} {
		dropAddress(m, key, t.Owner)
	}
	setUnsubscribe(m, t.UnsubscribeURL)

	m.transformed = true
	return nil
}

// dropAddress removes addr from the address list in key. An unparsable list
// is removed entirely.
func dropAddress(m *Message, key, addr string) {
	if !m.Header.Has(key) {
		return
	}
	list, err := m.Header.AddressList(key)
	if err != nil {
		m.Header.Del(key)
		return
	}
	var kept []*mail.Address
	for _, a := range list {
		if !sameAddress(a.Address, addr) {
			kept = append(kept, a)
		}
	}
	switch len(kept) {
	case len(list):
		return
	case 0:
		m.Header.Del(key)
	default:
		m.Header.SetAddressList(key, kept)
	}
}

func setUnsubscribe(m *Message, url string) {
	m.Header.Set("List-Unsubscribe", "<"+url+">")
	m.Header.Set("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
}

// forwardDisplayName renders the sender as text mail clients will not turn
// into a clickable address, e.g. "Shop - shop at merchant.com"
func forwardDisplayName(sender *mail.Address) string {
	delinked := strings.Replace(sender.Address, "@", " at ", 1)
	name := strings.TrimSpace(sender.Name)
	if name == "" || sameAddress(name, sender.Address) {
		return delinked
	}
	return name + " - " + delinked
}
