// Package wallet owns the ledger: the mapping from host identities to
// backend accounts, the cached balances derived from backend truth, and
// the reconciliation path driven by payment events.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lnwallet/internal/backend"
	"lnwallet/internal/observability"
	"lnwallet/internal/ratelimit"
	"lnwallet/internal/retry"
	"lnwallet/internal/store"
)

// PaymentEvent is a settlement notification decoded from the backend's
// subscription channel. Amount is signed: positive inbound, negative
// outbound. CheckingID is the backend's dedup token.
type PaymentEvent struct {
	BackendAccountID string
	PaymentHash      string
	AmountMsat       int64
	CheckingID       string
	ObservedAt       time.Time
}

// Account is the caller-visible view of a ledger record. Credentials
// stay inside the ledger.
type Account struct {
	OwnerID          string
	BackendAccountID string
	DisplayName      string
	CreatedAt        time.Time
}

// Backend is the subset of the payment backend the ledger issues calls
// against.
type Backend interface {
	CreateAccount(ctx context.Context, name string) (backend.Account, error)
	Balance(ctx context.Context, invoiceKey string) (int64, error)
	CreateInvoice(ctx context.Context, invoiceKey string, amountMsat int64, memo string) (backend.Invoice, error)
}

// Store is the durable record store the ledger persists accounts to.
type Store interface {
	Save(ctx context.Context, rec store.Record) error
	Load(ctx context.Context, ownerID string) (store.Record, error)
	LoadByBackendAccountID(ctx context.Context, backendAccountID string) (store.Record, error)
	LoadAll(ctx context.Context) ([]store.Record, error)
	Exists(ctx context.Context, ownerID string) (bool, error)
}

// Crypter seals credentials before they reach the store.
type Crypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
	IsEncrypted(value string) bool
}

// Limiter admits user-triggered backend calls. Optional.
type Limiter interface {
	CheckDetailed(actorID string) ratelimit.Decision
}

// entry is the in-memory state for one owner. Its mutex serializes
// balance refreshes and dirty-record flushes for that owner only;
// unrelated owners never contend.
type entry struct {
	mu sync.Mutex

	rec        store.Record // as persisted: credentials encrypted
	adminKey   string
	invoiceKey string

	// dirty marks a record whose last Save failed; flushed on the next
	// access so a provisioned backend account is never provisioned twice.
	dirty bool

	balance   int64
	balanceAt time.Time
	balanceOK bool
}

// Config tunes the ledger.
type Config struct {
	// BalanceStaleAfter is how long a cached balance stays servable
	// without a backend refresh.
	BalanceStaleAfter time.Duration
	// RetryPolicy wraps every backend call.
	RetryPolicy retry.Policy
}

// Ledger maps owner identities to backend accounts and caches derived
// balances. All methods are safe for concurrent use.
type Ledger struct {
	backend Backend
	store   Store
	keys    Crypter
	limiter Limiter

	policy     retry.Policy
	staleAfter time.Duration
	log        zerolog.Logger
	metrics    *observability.Metrics

	mu          sync.RWMutex
	accounts    map[string]*entry
	byBackendID map[string]string
	creating    map[string]*inflightCreate
}

// inflightCreate collapses concurrent provisioning for one owner into a
// single backend call.
type inflightCreate struct {
	done chan struct{}
	acct Account
	err  error
}

// NewLedger constructs a ledger. limiter may be nil to disable admission
// control (tests, admin tooling).
func NewLedger(b Backend, s Store, keys Crypter, limiter Limiter, cfg Config,
	log zerolog.Logger, metrics *observability.Metrics) *Ledger {

	staleAfter := cfg.BalanceStaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	policy := cfg.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}

	return &Ledger{
		backend:     b,
		store:       s,
		keys:        keys,
		limiter:     limiter,
		policy:      policy,
		staleAfter:  staleAfter,
		log:         log,
		metrics:     metrics,
		accounts:    make(map[string]*entry),
		byBackendID: make(map[string]string),
		creating:    make(map[string]*inflightCreate),
	}
}

// GetOrCreateAccount returns the owner's account, provisioning one on
// the backend on first-ever request. Idempotent; concurrent calls for
// the same owner collapse into a single provisioning call and all
// observe the same record.
func (l *Ledger) GetOrCreateAccount(ctx context.Context, ownerID string) (Account, error) {
	if ownerID == "" {
		return Account{}, &ValidationError{Field: "ownerID", Reason: "must not be empty"}
	}

	if e := l.lookup(ownerID); e != nil {
		if l.metrics != nil {
			l.metrics.AccountCacheHits.Inc()
		}
		return l.snapshot(ctx, e)
	}
	if l.metrics != nil {
		l.metrics.AccountCacheMisses.Inc()
	}

	l.mu.Lock()
	if e, ok := l.accounts[ownerID]; ok {
		l.mu.Unlock()
		return l.snapshot(ctx, e)
	}
	if fl, ok := l.creating[ownerID]; ok {
		l.mu.Unlock()
		select {
		case <-fl.done:
			return fl.acct, fl.err
		case <-ctx.Done():
			return Account{}, ctx.Err()
		}
	}
	fl := &inflightCreate{done: make(chan struct{})}
	l.creating[ownerID] = fl
	l.mu.Unlock()

	fl.acct, fl.err = l.loadOrProvision(ctx, ownerID)

	l.mu.Lock()
	delete(l.creating, ownerID)
	l.mu.Unlock()
	close(fl.done)

	return fl.acct, fl.err
}

// loadOrProvision runs once per owner per process at a time, owned by
// the in-flight slot taken in GetOrCreateAccount.
func (l *Ledger) loadOrProvision(ctx context.Context, ownerID string) (Account, error) {
	rec, err := l.store.Load(ctx, ownerID)
	switch {
	case err == nil:
		e, err := l.install(ctx, rec)
		if err != nil {
			return Account{}, err
		}
		return l.snapshot(ctx, e)
	case errors.Is(err, store.ErrNotFound):
		// fall through to provisioning
	default:
		return Account{}, &StorageError{Op: "load account", Err: err}
	}

	if err := l.admit(ownerID); err != nil {
		return Account{}, err
	}

	acct, err := retry.Do(ctx, l.policyFor("create_account"), func(ctx context.Context) (backend.Account, error) {
		return l.backend.CreateAccount(ctx, ownerID)
	})
	if err != nil {
		return Account{}, l.mapBackendErr("create account", err)
	}
	if l.metrics != nil {
		l.metrics.AccountsProvisioned.Inc()
	}
	l.log.Info().Str("owner", ownerID).Str("account", acct.ID).Msg("provisioned backend account")

	encAdmin, err := l.keys.Encrypt(acct.AdminKey)
	if err != nil {
		return Account{}, fmt.Errorf("wallet: encrypt admin key: %w", err)
	}
	encInvoice, err := l.keys.Encrypt(acct.InvoiceKey)
	if err != nil {
		return Account{}, fmt.Errorf("wallet: encrypt invoice key: %w", err)
	}

	rec = store.Record{
		OwnerID:          ownerID,
		BackendAccountID: acct.ID,
		AdminKey:         encAdmin,
		InvoiceKey:       encInvoice,
		DisplayName:      acct.Name,
		CreatedAt:        time.Now().UTC(),
	}

	e := &entry{rec: rec, adminKey: acct.AdminKey, invoiceKey: acct.InvoiceKey}
	l.mu.Lock()
	l.accounts[ownerID] = e
	l.byBackendID[acct.ID] = ownerID
	l.mu.Unlock()

	if err := l.store.Save(ctx, rec); err != nil {
		// The backend account exists; keep it cached and flush the
		// record on the next access instead of provisioning again.
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
		l.log.Error().Err(err).Str("owner", ownerID).Msg("persist account failed, will retry")
		return Account{}, &StorageError{Op: "save account", Err: err}
	}

	return accountView(rec), nil
}

// HasAccount reports whether the identity already has a wallet. Cache
// first, durable store fallback; never triggers creation.
func (l *Ledger) HasAccount(ctx context.Context, ownerID string) (bool, error) {
	if l.lookup(ownerID) != nil {
		return true, nil
	}
	ok, err := l.store.Exists(ctx, ownerID)
	if err != nil {
		return false, &StorageError{Op: "account existence check", Err: err}
	}
	return ok, nil
}

// GetBalance returns the owner's balance in millisatoshis. A cached
// value newer than the staleness threshold is served directly; otherwise
// the backend is queried under the retry policy and the cache updated.
// Backend failure surfaces as *BackendUnavailableError (carrying any
// stale value), never as a silent zero.
func (l *Ledger) GetBalance(ctx context.Context, ownerID string) (int64, error) {
	e, err := l.entryFor(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.balanceOK && time.Since(e.balanceAt) < l.staleAfter {
		if l.metrics != nil {
			l.metrics.BalanceCacheServed.Inc()
		}
		return e.balance, nil
	}

	if err := l.admit(ownerID); err != nil {
		return 0, err
	}

	return l.refreshLocked(ctx, e)
}

// refreshLocked queries the backend for the entry's balance with e.mu
// held, so concurrent reads for one owner collapse into one query.
func (l *Ledger) refreshLocked(ctx context.Context, e *entry) (int64, error) {
	invoiceKey := e.invoiceKey
	bal, err := retry.Do(ctx, l.policyFor("balance"), func(ctx context.Context) (int64, error) {
		return l.backend.Balance(ctx, invoiceKey)
	})
	if err != nil {
		mapped := l.mapBackendErr("balance query", err)
		var be *BackendUnavailableError
		if errors.As(mapped, &be) && e.balanceOK {
			be.Stale = true
			be.StaleAmountMsat = e.balance
			be.StaleAt = e.balanceAt
		}
		return 0, mapped
	}

	e.balance = bal
	e.balanceAt = time.Now()
	e.balanceOK = true
	if l.metrics != nil {
		l.metrics.BalanceRefreshes.Inc()
	}
	return bal, nil
}

// ResolveOwnerByBackendAccountID is the reverse lookup used by the
// invoice monitor. Returns ErrNoAccount when no local record matches.
func (l *Ledger) ResolveOwnerByBackendAccountID(ctx context.Context, backendAccountID string) (string, error) {
	l.mu.RLock()
	owner, ok := l.byBackendID[backendAccountID]
	l.mu.RUnlock()
	if ok {
		return owner, nil
	}

	rec, err := l.store.LoadByBackendAccountID(ctx, backendAccountID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoAccount
	}
	if err != nil {
		return "", &StorageError{Op: "reverse lookup", Err: err}
	}

	if _, err := l.install(ctx, rec); err != nil {
		return "", err
	}
	return rec.OwnerID, nil
}

// ApplyPaymentEvent reconciles the cached balance for the account named
// by a settlement event. The cache is invalidated first, then refreshed
// from the backend: the event's signed amount is never added to a
// possibly stale cache, which would let drift accumulate. If the refresh
// fails the cache stays invalid and the next GetBalance re-queries.
func (l *Ledger) ApplyPaymentEvent(ctx context.Context, ev PaymentEvent) error {
	owner, err := l.ResolveOwnerByBackendAccountID(ctx, ev.BackendAccountID)
	if err != nil {
		return err
	}

	e := l.lookup(owner)
	if e == nil {
		return ErrNoAccount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.balanceOK = false

	if _, err := l.refreshLocked(ctx, e); err != nil {
		l.log.Warn().Err(err).Str("owner", owner).Str("payment_hash", ev.PaymentHash).
			Msg("balance refresh after payment event failed, cache invalidated")
		return err
	}
	return nil
}

// CreateInvoice issues an inbound invoice on the owner's account,
// provisioning the account first if this is the identity's first
// interaction.
func (l *Ledger) CreateInvoice(ctx context.Context, ownerID string, amountMsat int64, memo string) (backend.Invoice, error) {
	if amountMsat <= 0 {
		return backend.Invoice{}, &ValidationError{Field: "amountMsat", Reason: "must be positive"}
	}

	if _, err := l.GetOrCreateAccount(ctx, ownerID); err != nil {
		return backend.Invoice{}, err
	}
	e := l.lookup(ownerID)
	if e == nil {
		return backend.Invoice{}, ErrNoAccount
	}

	if err := l.admit(ownerID); err != nil {
		return backend.Invoice{}, err
	}

	e.mu.Lock()
	invoiceKey := e.invoiceKey
	e.mu.Unlock()

	inv, err := retry.Do(ctx, l.policyFor("create_invoice"), func(ctx context.Context) (backend.Invoice, error) {
		return l.backend.CreateInvoice(ctx, invoiceKey, amountMsat, memo)
	})
	if err != nil {
		return backend.Invoice{}, l.mapBackendErr("create invoice", err)
	}
	return inv, nil
}

// UpdateDisplayName refreshes the stored display name, the only record
// mutation besides credential rotation.
func (l *Ledger) UpdateDisplayName(ctx context.Context, ownerID, displayName string) error {
	e, err := l.entryFor(ctx, ownerID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.DisplayName == displayName {
		return nil
	}
	e.rec.DisplayName = displayName

	if err := l.store.Save(ctx, e.rec); err != nil {
		e.dirty = true
		return &StorageError{Op: "update display name", Err: err}
	}
	return nil
}

// WarmCache preloads every persisted account into memory, including the
// reverse index, so the monitor resolves events without store round
// trips. Records that fail to decrypt are skipped and logged; one
// corrupt row must not block startup.
func (l *Ledger) WarmCache(ctx context.Context) error {
	recs, err := l.store.LoadAll(ctx)
	if err != nil {
		return &StorageError{Op: "warm cache", Err: err}
	}

	loaded := 0
	for _, rec := range recs {
		if _, err := l.install(ctx, rec); err != nil {
			l.log.Error().Err(err).Str("owner", rec.OwnerID).Msg("skipping account during cache warm")
			continue
		}
		loaded++
	}

	l.log.Info().Int("accounts", loaded).Msg("ledger cache warmed")
	return nil
}

// --- internals ---

func (l *Ledger) lookup(ownerID string) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accounts[ownerID]
}

// entryFor resolves an owner's cached entry, falling back to the store
// without ever provisioning.
func (l *Ledger) entryFor(ctx context.Context, ownerID string) (*entry, error) {
	if ownerID == "" {
		return nil, &ValidationError{Field: "ownerID", Reason: "must not be empty"}
	}
	if e := l.lookup(ownerID); e != nil {
		return e, nil
	}

	rec, err := l.store.Load(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoAccount
	}
	if err != nil {
		return nil, &StorageError{Op: "load account", Err: err}
	}
	return l.install(ctx, rec)
}

// install decrypts a persisted record and places it in the cache and
// reverse index. Records written before encryption was introduced are
// sealed and re-persisted in place.
func (l *Ledger) install(ctx context.Context, rec store.Record) (*entry, error) {
	l.mu.Lock()
	if e, ok := l.accounts[rec.OwnerID]; ok {
		l.mu.Unlock()
		return e, nil
	}
	l.mu.Unlock()

	adminKey, migratedAdmin, err := l.openCredential(rec.AdminKey)
	if err != nil {
		return nil, err
	}
	invoiceKey, migratedInvoice, err := l.openCredential(rec.InvoiceKey)
	if err != nil {
		return nil, err
	}

	if migratedAdmin || migratedInvoice {
		encAdmin, err := l.keys.Encrypt(adminKey)
		if err != nil {
			return nil, fmt.Errorf("wallet: encrypt admin key: %w", err)
		}
		encInvoice, err := l.keys.Encrypt(invoiceKey)
		if err != nil {
			return nil, fmt.Errorf("wallet: encrypt invoice key: %w", err)
		}
		rec.AdminKey = encAdmin
		rec.InvoiceKey = encInvoice

		if err := l.store.Save(ctx, rec); err != nil {
			return nil, &StorageError{Op: "credential migration", Err: err}
		}
		l.log.Info().Str("owner", rec.OwnerID).Msg("migrated plaintext credentials to encrypted storage")
	}

	e := &entry{rec: rec, adminKey: adminKey, invoiceKey: invoiceKey}

	l.mu.Lock()
	if existing, ok := l.accounts[rec.OwnerID]; ok {
		l.mu.Unlock()
		return existing, nil
	}
	l.accounts[rec.OwnerID] = e
	l.byBackendID[rec.BackendAccountID] = rec.OwnerID
	l.mu.Unlock()

	return e, nil
}

// openCredential decrypts a stored credential, or passes through a
// legacy plaintext value and reports it for migration.
func (l *Ledger) openCredential(value string) (plaintext string, migrated bool, err error) {
	if !l.keys.IsEncrypted(value) {
		return value, true, nil
	}
	plaintext, err = l.keys.Decrypt(value)
	if err != nil {
		return "", false, err
	}
	return plaintext, false, nil
}

// snapshot returns the caller-visible view, flushing a dirty record
// first so a failed Save from a previous call eventually lands.
func (l *Ledger) snapshot(ctx context.Context, e *entry) (Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dirty {
		if err := l.store.Save(ctx, e.rec); err != nil {
			return Account{}, &StorageError{Op: "save account", Err: err}
		}
		e.dirty = false
	}
	return accountView(e.rec), nil
}

// policyFor attaches the per-operation retry counter to the base policy.
func (l *Ledger) policyFor(op string) retry.Policy {
	p := l.policy
	if l.metrics != nil {
		p.OnRetry = func(int) {
			l.metrics.BackendRetries.WithLabelValues(op).Inc()
		}
	}
	return p
}

func (l *Ledger) admit(ownerID string) error {
	if l.limiter == nil {
		return nil
	}
	d := l.limiter.CheckDetailed(ownerID)
	if l.metrics != nil {
		outcome := "allowed"
		if !d.Allowed {
			outcome = "rejected"
		}
		l.metrics.RateLimitDecisions.WithLabelValues(outcome).Inc()
	}
	if !d.Allowed {
		return &RateLimitedError{OwnerID: ownerID, RetryAfter: d.RetryAfter}
	}
	return nil
}

// mapBackendErr normalizes post-retry outcomes: exhaustion and transient
// faults become BackendUnavailable; terminal classifications (auth,
// malformed request) pass through typed.
func (l *Ledger) mapBackendErr(op string, err error) error {
	var authErr *backend.AuthError
	if errors.As(err, &authErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return &BackendUnavailableError{Op: op, Err: err}
	}

	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		return err
	}

	return &BackendUnavailableError{Op: op, Err: err}
}

func accountView(rec store.Record) Account {
	return Account{
		OwnerID:          rec.OwnerID,
		BackendAccountID: rec.BackendAccountID,
		DisplayName:      rec.DisplayName,
		CreatedAt:        rec.CreatedAt,
	}
}
