// Package directory resolves alias addresses to their owners.
package directory

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAliasNotFound is returned when no alias matches the address
	ErrAliasNotFound = errors.New("alias not found")
	// ErrOwnerNotFound is returned when an alias owner has no mailbox on record
	ErrOwnerNotFound = errors.New("alias owner not found")
)

// Alias is the relay's read-only view of an alias
type Alias struct {
	ID        uint      `json:"id"`
	Address   string    `json:"address"`
	OwnerID   uint      `json:"owner_id"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Directory looks up aliases and the real mailbox of their owners.
// Address matching is case-insensitive.
type Directory interface {
	LookupAlias(ctx context.Context, address string) (*Alias, error)
	MailboxOf(ctx context.Context, ownerID uint) (string, error)
}
