package email

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestComposeNotice(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	raw, err := composeNotice("postmaster@relay.test", "stranger@evil.test", "Not allowed", "Go away.\r\n", now)
	require.NoError(t, err)

	msg := parse(t, string(raw))
	assert.Equal(t, "<postmaster@relay.test>", msg.Header.Get("From"))
	assert.Equal(t, "<stranger@evil.test>", msg.Header.Get("To"))
	assert.Equal(t, "Not allowed", msg.Header.Get("Subject"))
	assert.Equal(t, "auto-replied", msg.Header.Get("Auto-Submitted"))
	assert.NotEmpty(t, msg.Header.Get("Message-Id"))

	date, err := msg.Header.Date()
	require.NoError(t, err)
	assert.True(t, now.Equal(date))

	mediaType, params, err := msg.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "text/plain", mediaType)
	assert.Equal(t, "utf-8", params["charset"])
	assert.True(t, strings.HasSuffix(string(raw), "Go away.\r\n"))
}

func TestUpstreamNotifier(t *testing.T) {
	sender := &fakeSender{}
	n := NewUpstreamNotifier("postmaster@relay.test", newSigner(t), sender, zap.NewNop())

	err := n.Notify(context.Background(), "stranger@evil.test", "Not allowed", "Go away.\r\n")
	require.NoError(t, err)

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].Env.From, "notices use the null reverse path")
	assert.Equal(t, "stranger@evil.test", sent[0].Env.To)
	verifyDKIM(t, sent[0].Raw)
}

func TestUpstreamNotifier_Unsigned(t *testing.T) {
	sender := &fakeSender{}
	n := NewUpstreamNotifier("postmaster@relay.test", nil, sender, zap.NewNop())

	require.NoError(t, n.Notify(context.Background(), "stranger@evil.test", "Not allowed", "Go away.\r\n"))
	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.NotContains(t, string(sent[0].Raw), "DKIM-Signature")
}

func TestUpstreamNotifier_SendError(t *testing.T) {
	sender := &fakeSender{err: errors.New("connection refused")}
	n := NewUpstreamNotifier("postmaster@relay.test", nil, sender, zap.NewNop())

	err := n.Notify(context.Background(), "stranger@evil.test", "Not allowed", "Go away.\r\n")
	assert.ErrorContains(t, err, "connection refused")
}
