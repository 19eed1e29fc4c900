package database

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	handleTokenLength = 30
	handleAlphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// StoreConfig controls reply handle generation
type StoreConfig struct {
	Domain         string // relay domain reply handles live under
	HandlePrefix   string // local-part prefix, e.g. "reply+"
	HandleAttempts int    // upper bound on handle draws per mapping
}

// Store is the forward-mapping store and delivery audit log
type Store struct {
	db       *DB
	cfg      StoreConfig
	newToken func() (string, error)
}

// NewStore creates a store on top of db
func NewStore(db *DB, cfg StoreConfig) *Store {
	if cfg.HandleAttempts <= 0 {
		cfg.HandleAttempts = 1000
	}
	cfg.Domain = strings.ToLower(cfg.Domain)
	return &Store{
		db:       db,
		cfg:      cfg,
		newToken: randomToken,
	}
}

// UnitOfWork is the store session scoped to a single SMTP transaction
type UnitOfWork struct {
	tx    *gorm.DB
	store *Store
}

// Transaction runs fn inside one database transaction. It commits when fn
// returns nil and rolls back when fn returns an error or panics.
func (s *Store) Transaction(ctx context.Context, fn func(uow *UnitOfWork) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&UnitOfWork{tx: tx, store: s})
	})
}

// ForwardMapping returns the mapping for (aliasAddr, sender), creating it with a
// fresh reply handle when none exists. The boolean reports whether this call
// created the row.
func (u *UnitOfWork) ForwardMapping(aliasAddr, sender, originalFrom string) (*ForwardMapping, bool, error) {
	aliasAddr = strings.ToLower(aliasAddr)
	sender = strings.ToLower(sender)

	mapping, err := u.mappingByPair(aliasAddr, sender)
	if err == nil {
		return mapping, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	for attempt := 0; attempt < u.store.cfg.HandleAttempts; attempt++ {
		handle, err := u.store.newHandle()
		if err != nil {
			return nil, false, err
		}

		candidate := &ForwardMapping{
			AliasAddress:   aliasAddr,
			ExternalSender: sender,
			OriginalFrom:   originalFrom,
			ReplyHandle:    handle,
		}
		result := u.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(candidate)
		if result.Error != nil {
			return nil, false, fmt.Errorf("failed to create forward mapping: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			return candidate, true, nil
		}

		// Nothing inserted: either a concurrent delivery created the pair
		// first, or the handle is taken and another must be drawn.
		mapping, err := u.mappingByPair(aliasAddr, sender)
		if err == nil {
			return mapping, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	return nil, false, fmt.Errorf("%w after %d attempts", ErrHandleSpaceExhausted, u.store.cfg.HandleAttempts)
}

// MappingByReplyHandle resolves a reply handle back to its mapping
func (u *UnitOfWork) MappingByReplyHandle(handle string) (*ForwardMapping, error) {
	var mapping ForwardMapping
	err := u.tx.Where("reply_handle = ?", strings.ToLower(handle)).First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping by reply handle: %w", err)
	}
	return &mapping, nil
}

// AppendLog records the outcome of one relay transaction
func (u *UnitOfWork) AppendLog(mappingID uint, direction Direction, blocked bool) (*DeliveryLog, error) {
	entry := &DeliveryLog{
		MappingID: mappingID,
		Direction: direction,
		Blocked:   blocked,
	}
	if err := u.tx.Omit(clause.Associations).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to create delivery log: %w", err)
	}
	return entry, nil
}

func (u *UnitOfWork) mappingByPair(aliasAddr, sender string) (*ForwardMapping, error) {
	var mapping ForwardMapping
	err := u.tx.Where("alias_address = ? AND external_sender = ?", aliasAddr, sender).First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get forward mapping: %w", err)
	}
	return &mapping, nil
}

// ActivityForOwner returns the newest delivery log entries across all of a user's aliases
func (s *Store) ActivityForOwner(ctx context.Context, ownerID uint, limit int) ([]Activity, error) {
	var out []Activity
	err := s.activityQuery(ctx, limit).
		Joins("JOIN aliases ON aliases.address = forward_mappings.alias_address").
		Where("aliases.user_id = ?", ownerID).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get activity for owner: %w", err)
	}
	return out, nil
}

// ActivityForAlias returns the newest delivery log entries for one alias
func (s *Store) ActivityForAlias(ctx context.Context, aliasAddr string, limit int) ([]Activity, error) {
	var out []Activity
	err := s.activityQuery(ctx, limit).
		Where("forward_mappings.alias_address = ?", strings.ToLower(aliasAddr)).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get activity for alias: %w", err)
	}
	return out, nil
}

func (s *Store) activityQuery(ctx context.Context, limit int) *gorm.DB {
	switch {
	case limit <= 0:
		limit = 100
	case limit > 500:
		limit = 500
	}
	return s.db.WithContext(ctx).
		Table("delivery_logs").
		Select("delivery_logs.id, forward_mappings.alias_address, forward_mappings.external_sender, " +
			"forward_mappings.reply_handle, delivery_logs.direction, delivery_logs.blocked, delivery_logs.created_at").
		Joins("JOIN forward_mappings ON forward_mappings.id = delivery_logs.mapping_id").
		Order("delivery_logs.id DESC").
		Limit(limit)
}

func (s *Store) newHandle() (string, error) {
	token, err := s.newToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate reply handle: %w", err)
	}
	return s.cfg.HandlePrefix + token + "@" + s.cfg.Domain, nil
}

// randomToken draws handleTokenLength characters uniformly from handleAlphabet
func randomToken() (string, error) {
	const limit = 256 - 256%len(handleAlphabet)

	var sb strings.Builder
	sb.Grow(handleTokenLength)
	buf := make([]byte, handleTokenLength*2)
	for sb.Len() < handleTokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			sb.WriteByte(handleAlphabet[int(b)%len(handleAlphabet)])
			if sb.Len() == handleTokenLength {
				break
			}
		}
	}
	return sb.String(), nil
}
