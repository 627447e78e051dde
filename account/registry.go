package account

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/joncooperworks/custody/cache"
	"github.com/joncooperworks/custody/crypto"
	"github.com/joncooperworks/custody/crypto/keystore"
	"github.com/joncooperworks/custody/metrics"
)

const (
	// DefaultUnlockTTL is the unlock window used when none is configured.
	DefaultUnlockTTL = 10 * time.Minute

	recordPrefix         = "account--"
	mnemonicRecordPrefix = "mnemonic--"
	legacyAccountRecord  = "account"
	legacyMnemonicRecord = "mnemonic"
	createdAtLayout      = "2006-01-02T15:04:05.000Z"
)

// Authenticator asks the user for the password of an account.
// Cancellation must be reported as an error.
type Authenticator interface {
	RequestAuthentication(ctx context.Context, addr common.Address) (string, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, addr common.Address) (string, error)

func (f AuthenticatorFunc) RequestAuthentication(ctx context.Context, addr common.Address) (string, error) {
	return f(ctx, addr)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source used for unlock windows and record timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithUnlockTTL sets the default unlock window.
func WithUnlockTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithDerivationPath sets the path used to derive keys from mnemonics.
func WithDerivationPath(path accounts.DerivationPath) Option {
	return func(r *Registry) { r.path = path }
}

// WithAuthenticator sets the collaborator EnsureUnlocked prompts through.
func WithAuthenticator(auth Authenticator) Option {
	return func(r *Registry) { r.auth = auth }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry enumerates, creates and unlocks the accounts stored in a keystore.RecordStore.
//
// The record list is loaded lazily on first use. Concurrent first callers share one load;
// a failed load is retried by the next call.
type Registry struct {
	store   keystore.RecordStore
	now     func() time.Time
	logger  *slog.Logger
	ttl     time.Duration
	path    accounts.DerivationPath
	auth    Authenticator
	metrics *metrics.Metrics

	loadGuard chan struct{}
	locks     cache.KeyedMutex[common.Address]
	prompts   singleflight.Group

	mu      sync.RWMutex
	loaded  bool
	entries map[common.Address]*entry
}

type entry struct {
	account    *SigningAccount
	storageKey string
	// legacy marks an account whose key still lives only in the legacy mnemonic record.
	legacy bool
}

// NewRegistry creates a registry over store.
func NewRegistry(store keystore.RecordStore, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.New("record store cannot be nil")
	}
	r := &Registry{
		store:     store,
		now:       time.Now,
		ttl:       DefaultUnlockTTL,
		path:      crypto.DefaultDerivationPath,
		loadGuard: make(chan struct{}, 1),
		entries:   make(map[common.Address]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.ttl <= 0 {
		return nil, ErrInvalidUnlockDuration
	}
	return r, nil
}

// DefaultTTL returns the unlock window applied when callers pass none.
func (r *Registry) DefaultTTL() time.Duration { return r.ttl }

func storageKey(createdAt time.Time, addr common.Address) string {
	return recordPrefix + createdAt.UTC().Format(createdAtLayout) + "--" + crypto.StorageAddress(addr)
}

func mnemonicKey(addr common.Address) string {
	return mnemonicRecordPrefix + crypto.StorageAddress(addr)
}

// parseStorageKey splits account--<createdAt>--<address>.
func parseStorageKey(key string) (time.Time, common.Address, bool) {
	if !strings.HasPrefix(key, recordPrefix) {
		return time.Time{}, common.Address{}, false
	}
	parts := strings.SplitN(strings.TrimPrefix(key, recordPrefix), "--", 2)
	if len(parts) != 2 {
		return time.Time{}, common.Address{}, false
	}
	createdAt, err := time.Parse(createdAtLayout, parts[0])
	if err != nil {
		if createdAt, err = time.Parse(time.RFC3339Nano, parts[0]); err != nil {
			return time.Time{}, common.Address{}, false
		}
	}
	addr, err := crypto.ParseAddress(parts[1])
	if err != nil {
		return time.Time{}, common.Address{}, false
	}
	return createdAt, addr, true
}

// load reads the record list once. Callers waiting on another caller's load give up when ctx ends.
func (r *Registry) load(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	select {
	case r.loadGuard <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.loadGuard }()

	r.mu.RLock()
	loaded = r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	keys, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list account records: %w", err)
	}

	entries := make(map[common.Address]*entry)
	for _, key := range keys {
		createdAt, addr, ok := parseStorageKey(key)
		if !ok {
			continue
		}
		if existing, dup := entries[addr]; dup && !createdAt.Before(existing.account.createdAt) {
			continue
		}
		entries[addr] = &entry{account: newSigningAccount(addr, createdAt, r.now), storageKey: key}
	}

	if len(entries) == 0 {
		migrated, err := r.migrateLegacy(ctx)
		if err != nil {
			return err
		}
		if migrated != nil {
			entries[migrated.account.address] = migrated
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = entries
	r.loaded = true
	r.logger.Debug("loaded account records", "count", len(entries))
	return nil
}

type legacyRecord struct {
	Address   string `json:"address"`
	CreatedAt string `json:"createdAt"`
	SealedKey string `json:"sealedKey"`
}

// migrateLegacy moves the single-account record into the multi-account layout.
// The legacy record is removed only after the new record has been verified.
// A legacy record that cannot be parsed is skipped.
func (r *Registry) migrateLegacy(ctx context.Context) (*entry, error) {
	raw, ok, err := r.store.Retrieve(ctx, legacyAccountRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy account record: %w", err)
	}
	if !ok {
		return nil, nil
	}

	rec, addr, err := parseLegacyRecord(raw)
	if err != nil {
		// The record stays where it is so that it can still be recovered by hand.
		r.logger.Warn("skipping unreadable legacy account record", "error", err)
		return nil, nil
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rec.CreatedAt)
	if err != nil {
		createdAt = r.now()
	}
	createdAt = createdAt.UTC().Truncate(time.Millisecond)

	key := storageKey(createdAt, addr)
	if err := r.store.Store(ctx, key, rec.SealedKey); err != nil {
		return nil, fmt.Errorf("failed to migrate legacy account %s: %w", crypto.NormalizeAddress(addr), err)
	}
	if err := r.store.Remove(ctx, legacyAccountRecord); err != nil {
		r.logger.Warn("failed to remove migrated legacy account record", "error", err)
	}
	r.logger.Info("migrated legacy account record", "address", crypto.NormalizeAddress(addr))
	return &entry{account: newSigningAccount(addr, createdAt, r.now), storageKey: key}, nil
}

func parseLegacyRecord(raw string) (legacyRecord, common.Address, error) {
	var rec legacyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return rec, common.Address{}, fmt.Errorf("failed to parse legacy account record: %w", err)
	}
	addr, err := crypto.ParseAddress(rec.Address)
	if err != nil {
		return rec, common.Address{}, fmt.Errorf("failed to parse legacy account address: %w", err)
	}
	if rec.SealedKey == "" {
		return rec, common.Address{}, errors.New("legacy account record has no key")
	}
	return rec, addr, nil
}

func (r *Registry) lookup(addr common.Address) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[addr]
	return e, ok
}

// ListAccounts returns every stored address, oldest first.
func (r *Registry) ListAccounts(ctx context.Context) ([]common.Address, error) {
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	list := make([]*SigningAccount, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e.account)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].createdAt.Equal(list[j].createdAt) {
			return list[i].createdAt.Before(list[j].createdAt)
		}
		return crypto.StorageAddress(list[i].address) < crypto.StorageAddress(list[j].address)
	})
	addrs := make([]common.Address, len(list))
	for i, a := range list {
		addrs[i] = a.address
	}
	return addrs, nil
}

// GetOrCreate returns the single SigningAccount instance for a stored address.
func (r *Registry) GetOrCreate(ctx context.Context, addr common.Address) (*SigningAccount, error) {
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	e, ok := r.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, crypto.NormalizeAddress(addr))
	}
	return e.account, nil
}

// CreateAccount seals key under password, stores it and registers the account.
func (r *Registry) CreateAccount(ctx context.Context, key *ecdsa.PrivateKey, password string) (*SigningAccount, error) {
	if key == nil {
		return nil, errors.New("private key cannot be nil")
	}
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	addr := crypto.AddressFromKey(key)

	release, err := r.locks.Lock(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, ok := r.lookup(addr); ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, crypto.NormalizeAddress(addr))
	}

	sealed, err := crypto.Seal(password, []byte(crypto.PrivateKeyHex(key)))
	if err != nil {
		return nil, fmt.Errorf("failed to seal private key: %w", err)
	}
	createdAt := r.now().UTC().Truncate(time.Millisecond)
	recordKey := storageKey(createdAt, addr)
	if err := r.store.Store(ctx, recordKey, sealed); err != nil {
		return nil, fmt.Errorf("failed to store account %s: %w", crypto.NormalizeAddress(addr), err)
	}

	acct := newSigningAccount(addr, createdAt, r.now)
	r.mu.Lock()
	r.entries[addr] = &entry{account: acct, storageKey: recordKey}
	r.mu.Unlock()

	r.logger.Info("created account", "address", crypto.NormalizeAddress(addr))
	return acct, nil
}

// GenerateAccount creates an account from a fresh mnemonic and returns the mnemonic for backup.
func (r *Registry) GenerateAccount(ctx context.Context, password string) (*SigningAccount, string, error) {
	mnemonic, err := crypto.NewMnemonic()
	if err != nil {
		return nil, "", err
	}
	acct, err := r.ImportMnemonic(ctx, mnemonic, password)
	if err != nil {
		return nil, "", err
	}
	return acct, mnemonic, nil
}

// ImportMnemonic derives the key at the configured path and creates its account.
// The sealed mnemonic is stored next to the key record. When that fails the account
// is removed again.
func (r *Registry) ImportMnemonic(ctx context.Context, mnemonic, password string) (*SigningAccount, error) {
	key, err := crypto.DeriveKey(mnemonic, r.path)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroKey(key)

	acct, err := r.CreateAccount(ctx, key, password)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(password, []byte(mnemonic))
	if err == nil {
		err = r.store.Store(ctx, mnemonicKey(acct.address), sealed)
	}
	if err != nil {
		// An imported account is only kept together with its mnemonic record.
		if rerr := r.RemoveAccount(context.WithoutCancel(ctx), acct.address); rerr != nil {
			r.logger.Error("failed to roll back account after mnemonic store failure",
				"address", crypto.NormalizeAddress(acct.address), "error", rerr)
		}
		return nil, fmt.Errorf("failed to store mnemonic: %w", err)
	}
	return acct, nil
}

// ImportLegacyAccount registers an account whose key still lives in the legacy mnemonic record.
//
// The account sorts before every other account: createdAt is clamped to
// min(createdAt, oldest-1ms, now). Its key record is written on first unlock.
func (r *Registry) ImportLegacyAccount(ctx context.Context, addr common.Address, createdAt time.Time) (*SigningAccount, error) {
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	release, err := r.locks.Lock(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer release()

	if e, ok := r.lookup(addr); ok {
		return e.account, nil
	}

	now := r.now()
	if createdAt.IsZero() || createdAt.After(now) {
		createdAt = now
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if limit := e.account.createdAt.Add(-time.Millisecond); createdAt.After(limit) {
			createdAt = limit
		}
	}
	createdAt = createdAt.UTC().Truncate(time.Millisecond)

	acct := newSigningAccount(addr, createdAt, r.now)
	r.entries[addr] = &entry{account: acct, legacy: true}
	r.logger.Info("registered legacy account", "address", crypto.NormalizeAddress(addr))
	return acct, nil
}

// Unlock opens the account's record with password and unlocks it for ttl.
// A non-positive ttl selects the registry default. Unlocks of one address are serialized.
func (r *Registry) Unlock(ctx context.Context, addr common.Address, password string, ttl time.Duration) (*SigningAccount, error) {
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = r.ttl
	}
	release, err := r.locks.Lock(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer release()

	e, ok := r.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, crypto.NormalizeAddress(addr))
	}

	if e.legacy {
		err = r.unlockLegacy(ctx, e, password, ttl)
	} else {
		err = r.unlockStored(ctx, e, password, ttl)
	}
	switch {
	case err == nil:
		r.metrics.ObserveUnlock("success")
		r.logger.Debug("unlocked account", "address", crypto.NormalizeAddress(addr), "ttl", ttl)
		return e.account, nil
	case errors.Is(err, ErrAuthenticationNeeded):
		r.metrics.ObserveUnlock("invalid_password")
		r.logger.Info("account unlock rejected", "address", crypto.NormalizeAddress(addr), "error", err)
	default:
		r.metrics.ObserveUnlock("error")
		r.logger.Error("account unlock failed", "address", crypto.NormalizeAddress(addr), "error", err)
	}
	return nil, err
}

func (r *Registry) openRecord(ctx context.Context, recordKey, password string) ([]byte, error) {
	sealed, ok, err := r.store.Retrieve(ctx, recordKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: record %s missing", ErrAccountNotFound, recordKey)
	}
	secret, err := crypto.Open(password, sealed)
	if errors.Is(err, crypto.ErrInvalidPassword) {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationNeeded, err)
	}
	return secret, err
}

func (r *Registry) unlockStored(ctx context.Context, e *entry, password string, ttl time.Duration) error {
	secret, err := r.openRecord(ctx, e.storageKey, password)
	if err != nil {
		return err
	}
	key, err := crypto.ParsePrivateKey(string(secret))
	zero(secret)
	if err != nil {
		return fmt.Errorf("failed to parse stored key: %w", err)
	}
	defer crypto.ZeroKey(key)
	return e.account.Unlock(key, ttl)
}

// unlockLegacy derives the key from the legacy mnemonic record, checks it against the
// registered address and persists it in the multi-account layout before unlocking.
func (r *Registry) unlockLegacy(ctx context.Context, e *entry, password string, ttl time.Duration) error {
	secret, err := r.openRecord(ctx, legacyMnemonicRecord, password)
	if err != nil {
		return err
	}
	mnemonic := string(secret)
	zero(secret)

	key, err := crypto.DeriveKey(mnemonic, r.path)
	if err != nil {
		return fmt.Errorf("failed to derive legacy key: %w", err)
	}
	defer crypto.ZeroKey(key)

	if derived := crypto.AddressFromKey(key); derived != e.account.address {
		e.account.Lock()
		return &AddressMismatchError{Expected: e.account.address, Derived: derived}
	}

	sealed, err := crypto.Seal(password, []byte(crypto.PrivateKeyHex(key)))
	if err != nil {
		return fmt.Errorf("failed to seal private key: %w", err)
	}
	recordKey := storageKey(e.account.createdAt, e.account.address)
	if err := r.store.Store(ctx, recordKey, sealed); err != nil {
		return fmt.Errorf("failed to store legacy account: %w", err)
	}
	if sealedMnemonic, err := crypto.Seal(password, []byte(mnemonic)); err == nil {
		if err := r.store.Store(ctx, mnemonicKey(e.account.address), sealedMnemonic); err != nil {
			r.logger.Warn("failed to copy legacy mnemonic", "error", err)
		}
	}

	r.mu.Lock()
	e.storageKey = recordKey
	e.legacy = false
	r.mu.Unlock()
	r.logger.Info("stored legacy account in keychain layout", "address", crypto.NormalizeAddress(e.account.address))

	return e.account.Unlock(key, ttl)
}

// EnsureUnlocked returns the account unlocked, prompting through the Authenticator if needed.
// Concurrent callers for one address share a single prompt, which keeps running when the
// caller that started it gives up. Cancellation and every
// authenticator failure are reported as ErrAuthenticationNeeded.
func (r *Registry) EnsureUnlocked(ctx context.Context, addr common.Address) (*SigningAccount, error) {
	acct, err := r.GetOrCreate(ctx, addr)
	if err != nil {
		return nil, err
	}
	if acct.IsUnlocked() {
		return acct, nil
	}
	if r.auth == nil {
		return nil, ErrAuthenticationNeeded
	}

	// The prompt is shared, so it must outlive whichever caller started it.
	sctx := context.WithoutCancel(ctx)
	ch := r.prompts.DoChan(crypto.StorageAddress(addr), func() (interface{}, error) {
		if acct.IsUnlocked() {
			return acct, nil
		}
		password, err := r.auth.RequestAuthentication(sctx, addr)
		if err != nil {
			r.logger.Info("authentication not completed", "address", crypto.NormalizeAddress(addr), "error", err)
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationNeeded, err)
		}
		return r.Unlock(sctx, addr, password, r.ttl)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SigningAccount), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationNeeded, ctx.Err())
	}
}

// UpdatePassword reseals the account's records under a new password.
func (r *Registry) UpdatePassword(ctx context.Context, addr common.Address, oldPassword, newPassword string) error {
	if err := r.load(ctx); err != nil {
		return err
	}
	release, err := r.locks.Lock(ctx, addr)
	if err != nil {
		return err
	}
	defer release()

	e, ok := r.lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, crypto.NormalizeAddress(addr))
	}

	// The first record is required, the rest are resealed when present.
	keys := []string{e.storageKey, mnemonicKey(addr)}
	if e.legacy {
		keys = []string{legacyMnemonicRecord}
	}
	for i, key := range keys {
		sealed, ok, err := r.store.Retrieve(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			if i == 0 {
				return fmt.Errorf("%w: record %s missing", ErrAccountNotFound, key)
			}
			continue
		}
		resealed, err := crypto.Reseal(oldPassword, newPassword, sealed)
		if errors.Is(err, crypto.ErrInvalidPassword) {
			return fmt.Errorf("%w: %w", ErrAuthenticationNeeded, err)
		}
		if err != nil {
			return err
		}
		if err := r.store.Store(ctx, key, resealed); err != nil {
			return fmt.Errorf("failed to store resealed record: %w", err)
		}
	}
	r.logger.Info("updated account password", "address", crypto.NormalizeAddress(addr))
	return nil
}

// RemoveAccount locks the account and deletes its records.
func (r *Registry) RemoveAccount(ctx context.Context, addr common.Address) error {
	if err := r.load(ctx); err != nil {
		return err
	}
	release, err := r.locks.Lock(ctx, addr)
	if err != nil {
		return err
	}
	defer release()

	e, ok := r.lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, crypto.NormalizeAddress(addr))
	}
	e.account.Lock()
	if e.storageKey != "" {
		if err := r.store.Remove(ctx, e.storageKey); err != nil {
			return fmt.Errorf("failed to remove account record: %w", err)
		}
	}
	if err := r.store.Remove(ctx, mnemonicKey(addr)); err != nil {
		return fmt.Errorf("failed to remove mnemonic record: %w", err)
	}

	r.mu.Lock()
	delete(r.entries, addr)
	r.mu.Unlock()
	r.logger.Info("removed account", "address", crypto.NormalizeAddress(addr))
	return nil
}

// Clear locks every account and deletes all account, mnemonic and legacy records.
func (r *Registry) Clear(ctx context.Context) error {
	keys, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}
	r.LockAll()
	for _, key := range keys {
		if strings.HasPrefix(key, recordPrefix) || strings.HasPrefix(key, mnemonicRecordPrefix) ||
			key == legacyAccountRecord || key == legacyMnemonicRecord {
			if err := r.store.Remove(ctx, key); err != nil {
				return fmt.Errorf("failed to remove record %s: %w", key, err)
			}
		}
	}
	r.mu.Lock()
	r.entries = make(map[common.Address]*entry)
	r.loaded = true
	r.mu.Unlock()
	r.logger.Info("cleared stored accounts", "records", len(keys))
	return nil
}

// LockAll locks every account. Applications call it when their backgrounding policy requires.
func (r *Registry) LockAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		e.account.Lock()
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
