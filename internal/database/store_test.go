package database

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/looprock/alias-relay/internal/config"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	var cfg config.Config
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "relay.db")

	db, err := New(&cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate())
	return db
}

func newTestStore(t *testing.T, db *DB) *Store {
	t.Helper()
	return NewStore(db, StoreConfig{
		Domain:         "relay.test",
		HandlePrefix:   "reply+",
		HandleAttempts: 1000,
	})
}

// fixedTokens returns the given tokens in order, repeating the last one
func fixedTokens(tokens ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		tok := tokens[i]
		if i < len(tokens)-1 {
			i++
		}
		return tok, nil
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.Migrate())
	assert.NoError(t, db.Ping(context.Background()))
}

func TestForwardMapping_CreateThenReuse(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db)
	ctx := context.Background()

	var first, second *ForwardMapping
	err := store.Transaction(ctx, func(uow *UnitOfWork) error {
		m, created, err := uow.ForwardMapping("x7f2@relay.test", "shop@merchant.com", "Shop <shop@merchant.com>")
		assert.True(t, created)
		first = m
		return err
	})
	require.NoError(t, err)

	err = store.Transaction(ctx, func(uow *UnitOfWork) error {
		m, created, err := uow.ForwardMapping("X7F2@relay.test", "Shop@Merchant.com", "ignored")
		assert.False(t, created)
		second = m
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ReplyHandle, second.ReplyHandle)
	assert.Equal(t, "Shop <shop@merchant.com>", second.OriginalFrom)
	assert.Regexp(t, regexp.MustCompile(`^reply\+[a-z0-9]{30}@relay\.test$`), first.ReplyHandle)
}

func TestForwardMapping_HandleCollisionDrawsAgain(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db)
	ctx := context.Background()

	store.newToken = fixedTokens("taken")
	require.NoError(t, store.Transaction(ctx, func(uow *UnitOfWork) error {
		_, _, err := uow.ForwardMapping("a@relay.test", "one@example.com", "")
		return err
	}))

	store.newToken = fixedTokens("taken", "taken", "fresh")
	var mapping *ForwardMapping
	require.NoError(t, store.Transaction(ctx, func(uow *UnitOfWork) error {
		var err error
		mapping, _, err = uow.ForwardMapping("a@relay.test", "two@example.com", "")
		return err
	}))
	assert.Equal(t, "reply+fresh@relay.test", mapping.ReplyHandle)
}

func TestForwardMapping_HandleSpaceExhausted(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, StoreConfig{Domain: "relay.test", HandlePrefix: "reply+", HandleAttempts: 3})
	ctx := context.Background()

	store.newToken = fixedTokens("taken")
	require.NoError(t, store.Transaction(ctx, func(uow *UnitOfWork) error {
		_, _, err := uow.ForwardMapping("a@relay.test", "one@example.com", "")
		return err
	}))

	err := store.Transaction(ctx, func(uow *UnitOfWork) error {
		_, _, err := uow.ForwardMapping("a@relay.test", "two@example.com", "")
		return err
	})
	assert.ErrorIs(t, err, ErrHandleSpaceExhausted)
}

func TestForwardMapping_ConcurrentCreatorsShareOneRow(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db)
	ctx := context.Background()

	const workers = 8
	handles := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Transaction(ctx, func(uow *UnitOfWork) error {
				m, _, err := uow.ForwardMapping("x7f2@relay.test", "shop@merchant.com", "")
				if err != nil {
					return err
				}
				handles[i] = m.ReplyHandle
				_, err = uow.AppendLog(m.ID, DirectionForward, false)
				return err
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, handles[0], handles[i])
	}

	var mappings, logs int64
	require.NoError(t, db.Model(&ForwardMapping{}).Count(&mappings).Error)
	require.NoError(t, db.Model(&DeliveryLog{}).Count(&logs).Error)
	assert.Equal(t, int64(1), mappings)
	assert.Equal(t, int64(workers), logs)
}

func TestTransaction_RollsBackOnErrorAndPanic(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.Transaction(ctx, func(uow *UnitOfWork) error {
		m, _, err := uow.ForwardMapping("a@relay.test", "s@example.com", "")
		require.NoError(t, err)
		_, err = uow.AppendLog(m.ID, DirectionForward, false)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = store.Transaction(ctx, func(uow *UnitOfWork) error {
			_, _, err := uow.ForwardMapping("a@relay.test", "s@example.com", "")
			require.NoError(t, err)
			panic("unexpected")
		})
	})

	var mappings, logs int64
	require.NoError(t, db.Model(&ForwardMapping{}).Count(&mappings).Error)
	require.NoError(t, db.Model(&DeliveryLog{}).Count(&logs).Error)
	assert.Zero(t, mappings)
	assert.Zero(t, logs)

	// the pool must still be usable after both failures
	require.NoError(t, store.Transaction(ctx, func(uow *UnitOfWork) error {
		_, _, err := uow.ForwardMapping("a@relay.test", "s@example.com", "")
		return err
	}))
}

func TestMappingByReplyHandle(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db)
	ctx := context.Background()

	var created *ForwardMapping
	require.NoError(t, store.Transaction(ctx, func(uow *UnitOfWork) error {
		var err error
		created, _, err = uow.ForwardMapping("x7f2@relay.test", "shop@merchant.com", "")
		return err
	}))

	require.NoError(t, store.Transaction(ctx, func(uow *UnitOfWork) error {
		found, err := uow.MappingByReplyHandle(created.ReplyHandle)
		require.NoError(t, err)
		assert.Equal(t, created.ID, found.ID)
		assert.Equal(t, "shop@merchant.com", found.ExternalSender)

		_, err = uow.MappingByReplyHandle("reply+missing@relay.test")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestActivity(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db)
	ctx := context.Background()

	owner, err := db.CreateUser(ctx, "real@example.com")
	require.NoError(t, err)
	_, err = db.CreateAlias(ctx, "x7f2@relay.test", owner.ID)
	require.NoError(t, err)

	require.NoError(t, store.Transaction(ctx, func(uow *UnitOfWork) error {
		m, _, err := uow.ForwardMapping("x7f2@relay.test", "shop@merchant.com", "")
		require.NoError(t, err)
		_, err = uow.AppendLog(m.ID, DirectionForward, false)
		require.NoError(t, err)
		_, err = uow.AppendLog(m.ID, DirectionReply, true)
		return err
	}))

	byOwner, err := store.ActivityForOwner(ctx, owner.ID, 10)
	require.NoError(t, err)
	require.Len(t, byOwner, 2)
	assert.Equal(t, DirectionReply, byOwner[0].Direction)
	assert.True(t, byOwner[0].Blocked)
	assert.Equal(t, DirectionForward, byOwner[1].Direction)
	assert.Equal(t, "shop@merchant.com", byOwner[1].ExternalSender)
	assert.False(t, byOwner[1].CreatedAt.IsZero())

	byAlias, err := store.ActivityForAlias(ctx, "X7F2@relay.test", 1)
	require.NoError(t, err)
	require.Len(t, byAlias, 1)
	assert.Equal(t, byOwner[0].ID, byAlias[0].ID)

	none, err := store.ActivityForOwner(ctx, owner.ID+1, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRandomToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := randomToken()
		require.NoError(t, err)
		assert.Len(t, tok, handleTokenLength)
		assert.Regexp(t, `^[a-z0-9]+$`, tok)
		seen[tok] = true
	}
	assert.Len(t, seen, 100)
}
