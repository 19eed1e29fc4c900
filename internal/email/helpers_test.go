package email

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/looprock/alias-relay/internal/config"
	"github.com/looprock/alias-relay/internal/database"
	"github.com/looprock/alias-relay/internal/dkim"
	"github.com/looprock/alias-relay/internal/metrics"
	"github.com/looprock/alias-relay/internal/transport"
	"github.com/looprock/alias-relay/internal/unsubscribe"
)

const relayDomain = "relay.test"

type sentMessage struct {
	Env transport.Envelope
	Raw []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) Send(_ context.Context, env transport.Envelope, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{Env: env, Raw: append([]byte(nil), raw...)})
	return nil
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type notice struct {
	To, Subject, Body string
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notice
	err     error
}

func (f *fakeNotifier) Notify(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, notice{To: to, Subject: subject, Body: body})
	return f.err
}

func (f *fakeNotifier) sentNotices() []notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notice(nil), f.notices...)
}

// testKey is shared by all tests in the package; RSA generation is slow
var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

// lookupTXT serves the test public key for dkim._domainkey.relay.test
func lookupTXT(t *testing.T) func(string) ([]string, error) {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&signingKey(t).PublicKey)
	require.NoError(t, err)
	record := "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)
	return func(domain string) ([]string, error) {
		if domain == "dkim._domainkey."+relayDomain {
			return []string{record}, nil
		}
		return nil, errors.New("no such record")
	}
}

type testEnv struct {
	db       *database.DB
	store    *database.Store
	dir      *database.Directory
	sender   *fakeSender
	notifier *fakeNotifier
	metrics  *metrics.Relay
	links    *unsubscribe.Links
	relay    *Relay
}

func newTestEnv(t *testing.T, signer *dkim.Signer) *testEnv {
	t.Helper()

	var cfg config.Config
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "relay.db")

	db, err := database.New(&cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	env := &testEnv{
		db: db,
		store: database.NewStore(db, database.StoreConfig{
			Domain:         relayDomain,
			HandlePrefix:   "reply+",
			HandleAttempts: 1000,
		}),
		dir:      database.NewDirectory(db),
		sender:   &fakeSender{},
		notifier: &fakeNotifier{},
		metrics:  metrics.NewRelay(prometheus.NewRegistry()),
		links:    unsubscribe.NewLinks("https://relay.test/", "0123456789abcdef0123456789abcdef"),
	}
	env.relay = NewRelay(
		RelayConfig{Domain: relayDomain, Unsubscribe: env.links, SupportAddress: "support@relay.test"},
		env.dir, env.store, signer, env.sender, env.notifier, env.metrics, zap.NewNop(),
	)
	return env
}

// seedAlias creates an owner with mailbox and an alias they own
func (e *testEnv) seedAlias(t *testing.T, mailbox, address string) *database.Alias {
	t.Helper()
	ctx := context.Background()
	owner, err := e.db.CreateUser(ctx, mailbox)
	require.NoError(t, err)
	alias, err := e.db.CreateAlias(ctx, address, owner.ID)
	require.NoError(t, err)
	return alias
}

func (e *testEnv) logs(t *testing.T) []database.DeliveryLog {
	t.Helper()
	var logs []database.DeliveryLog
	require.NoError(t, e.db.Order("id").Find(&logs).Error)
	return logs
}
