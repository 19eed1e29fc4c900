// Package unsubscribe builds and checks the tokens in unsubscribe links.
package unsubscribe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Links signs alias IDs with a relay secret. The token is the only thing
// that makes an unsubscribe link valid; alias IDs are sequential.
type Links struct {
	base string
	key  []byte
}

// NewLinks creates links under baseURL keyed by secret
func NewLinks(baseURL, secret string) *Links {
	return &Links{
		base: strings.TrimRight(baseURL, "/"),
		key:  []byte(secret),
	}
}

// URL returns the unsubscribe link for an alias
func (l *Links) URL(aliasID uint) string {
	return fmt.Sprintf("%s/unsubscribe/%d/%s", l.base, aliasID, l.Token(aliasID))
}

// Token returns the URL-safe token for an alias
func (l *Links) Token(aliasID uint) string {
	mac := hmac.New(sha256.New, l.key)
	mac.Write([]byte("unsubscribe:" + strconv.FormatUint(uint64(aliasID), 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token was issued for aliasID
func (l *Links) Verify(aliasID uint, token string) bool {
	got, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	want, _ := base64.RawURLEncoding.DecodeString(l.Token(aliasID))
	return hmac.Equal(got, want)
}
