package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/looprock/alias-relay/internal/directory"
)

// Directory implements directory.Directory over the users and aliases tables
type Directory struct {
	db *DB
}

// NewDirectory creates a directory backed by db
func NewDirectory(db *DB) *Directory {
	return &Directory{db: db}
}

func toDirectoryAlias(a *Alias) *directory.Alias {
	return &directory.Alias{
		ID:        a.ID,
		Address:   a.Address,
		OwnerID:   a.UserID,
		Enabled:   a.Enabled,
		CreatedAt: a.CreatedAt,
	}
}

// LookupAlias finds an alias by address
func (d *Directory) LookupAlias(ctx context.Context, address string) (*directory.Alias, error) {
	var alias Alias
	err := d.db.WithContext(ctx).Where("address = ?", strings.ToLower(address)).First(&alias).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, directory.ErrAliasNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alias: %w", err)
	}
	return toDirectoryAlias(&alias), nil
}

// MailboxOf returns the real mailbox of an alias owner
func (d *Directory) MailboxOf(ctx context.Context, ownerID uint) (string, error) {
	var user User
	err := d.db.WithContext(ctx).Where("id = ?", ownerID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", directory.ErrOwnerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get user: %w", err)
	}
	return user.Email, nil
}

// AliasByID finds an alias by its identifier
func (d *Directory) AliasByID(ctx context.Context, id uint) (*directory.Alias, error) {
	var alias Alias
	err := d.db.WithContext(ctx).First(&alias, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, directory.ErrAliasNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alias: %w", err)
	}
	return toDirectoryAlias(&alias), nil
}

// DisableAlias turns forwarding off for an alias; existing mappings are kept
func (d *Directory) DisableAlias(ctx context.Context, id uint) (*directory.Alias, error) {
	var alias Alias
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&alias, id).Error; err != nil {
			return err
		}
		if !alias.Enabled {
			return nil
		}
		alias.Enabled = false
		return tx.Model(&alias).Update("enabled", false).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, directory.ErrAliasNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to disable alias: %w", err)
	}
	return toDirectoryAlias(&alias), nil
}
