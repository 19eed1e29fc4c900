package email

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Message is an inbound message with a mutable header and an untouched body
type Message struct {
	Header      mail.Header
	body        []byte
	transformed bool
}

// ParseMessage splits raw into header fields, in their original order, and body
func ParseMessage(raw []byte) (*Message, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return &Message{
		Header: mail.Header{Header: message.Header{Header: h}},
		body:   body,
	}, nil
}

// Bytes serialises the header followed by the original body
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(len(m.body) + 1024)
	// writes to a bytes.Buffer cannot fail
	_ = textproto.WriteHeader(&buf, m.Header.Header.Header)
	buf.Write(m.body)
	return buf.Bytes()
}

// Sender returns the first address of the From header
func (m *Message) Sender() (*mail.Address, error) {
	list, err := m.Header.AddressList("From")
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no From address")
	}
	return list[0], nil
}
