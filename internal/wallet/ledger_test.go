package wallet

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lnwallet/internal/backend"
	"lnwallet/internal/observability"
	"lnwallet/internal/ratelimit"
	"lnwallet/internal/retry"
	"lnwallet/internal/secure"
	"lnwallet/internal/store"
)

// countingBackend is an in-memory payment backend that counts calls so
// tests can assert on provisioning and refresh behavior.
type countingBackend struct {
	mu           sync.Mutex
	createCalls  int
	balanceCalls int
	invoiceCalls int

	createDelay time.Duration
	createErr   error
	balanceErr  error

	balances map[string]int64 // invoice key -> msat

	lastInvoiceAmount int64
	lastInvoiceMemo   string
}

func newCountingBackend() *countingBackend {
	return &countingBackend{balances: make(map[string]int64)}
}

func (b *countingBackend) CreateAccount(ctx context.Context, name string) (backend.Account, error) {
	b.mu.Lock()
	b.createCalls++
	n := b.createCalls
	delay := b.createDelay
	err := b.createErr
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return backend.Account{}, ctx.Err()
		}
	}
	if err != nil {
		return backend.Account{}, err
	}

	id := fmt.Sprintf("acct-%d", n)
	acct := backend.Account{
		ID:         id,
		Name:       name,
		AdminKey:   "admin-" + id,
		InvoiceKey: "invoice-" + id,
	}
	b.mu.Lock()
	b.balances[acct.InvoiceKey] = 0
	b.mu.Unlock()
	return acct, nil
}

func (b *countingBackend) Balance(_ context.Context, invoiceKey string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balanceCalls++
	if b.balanceErr != nil {
		return 0, b.balanceErr
	}
	bal, ok := b.balances[invoiceKey]
	if !ok {
		return 0, fmt.Errorf("unknown invoice key %q", invoiceKey)
	}
	return bal, nil
}

func (b *countingBackend) CreateInvoice(_ context.Context, _ string, amountMsat int64, memo string) (backend.Invoice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invoiceCalls++
	b.lastInvoiceAmount = amountMsat
	b.lastInvoiceMemo = memo
	return backend.Invoice{
		PaymentHash:    fmt.Sprintf("hash-%d", b.invoiceCalls),
		PaymentRequest: "lnbc1invoice",
		CheckingID:     fmt.Sprintf("chk-%d", b.invoiceCalls),
	}, nil
}

func (b *countingBackend) setBalance(invoiceKey string, msat int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[invoiceKey] = msat
}

func (b *countingBackend) counts() (creates, balances int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createCalls, b.balanceCalls
}

// memStore is an in-memory Store with fault injection.
type memStore struct {
	mu        sync.Mutex
	recs      map[string]store.Record
	saveErr   error
	saveCalls int
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]store.Record)}
}

func (s *memStore) Save(_ context.Context, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.recs[rec.OwnerID] = rec
	return nil
}

func (s *memStore) Load(_ context.Context, ownerID string) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[ownerID]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) LoadByBackendAccountID(_ context.Context, id string) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs {
		if rec.BackendAccountID == id {
			return rec, nil
		}
	}
	return store.Record{}, store.ErrNotFound
}

func (s *memStore) LoadAll(_ context.Context) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Record, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) Exists(_ context.Context, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recs[ownerID]
	return ok, nil
}

func (s *memStore) setSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *memStore) record(ownerID string) (store.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[ownerID]
	return rec, ok
}

func testKeys(t *testing.T) *secure.KeyStore {
	t.Helper()
	keys, err := secure.NewKeyStore("ledger-test-secret", "ledger-test-salt")
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	return keys
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
	}
}

func newTestLedger(t *testing.T, be Backend, st Store, limiter Limiter, staleAfter time.Duration) *Ledger {
	t.Helper()
	cfg := Config{BalanceStaleAfter: staleAfter, RetryPolicy: fastPolicy()}
	log := observability.NewLogger("test")
	return NewLedger(be, st, testKeys(t), limiter, cfg, log, nil)
}

func TestGetOrCreateAccount_ConcurrentCallsProvisionOnce(t *testing.T) {
	be := newCountingBackend()
	be.createDelay = 20 * time.Millisecond
	st := newMemStore()
	ledger := newTestLedger(t, be, st, nil, time.Hour)

	const callers = 25
	results := make([]Account, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = ledger.GetOrCreateAccount(context.Background(), "alice")
		}()
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].BackendAccountID != results[0].BackendAccountID {
			t.Fatalf("caller %d saw account %q, caller 0 saw %q",
				i, results[i].BackendAccountID, results[0].BackendAccountID)
		}
	}
	if creates, _ := be.counts(); creates != 1 {
		t.Errorf("backend create calls = %d, want 1", creates)
	}

	rec, ok := st.record("alice")
	if !ok {
		t.Fatal("no persisted record for alice")
	}
	keys := testKeys(t)
	if !keys.IsEncrypted(rec.AdminKey) || !keys.IsEncrypted(rec.InvoiceKey) {
		t.Error("persisted credentials are not encrypted")
	}
}

func TestGetOrCreateAccount_SecondCallHitsCache(t *testing.T) {
	be := newCountingBackend()
	st := newMemStore()
	ledger := newTestLedger(t, be, st, nil, time.Hour)
	ctx := context.Background()

	first, err := ledger.GetOrCreateAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := ledger.GetOrCreateAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first.BackendAccountID != second.BackendAccountID {
		t.Errorf("account ids differ: %q vs %q", first.BackendAccountID, second.BackendAccountID)
	}
	if creates, _ := be.counts(); creates != 1 {
		t.Errorf("backend create calls = %d, want 1", creates)
	}
}

func TestGetOrCreateAccount_EmptyOwnerRejected(t *testing.T) {
	ledger := newTestLedger(t, newCountingBackend(), newMemStore(), nil, time.Hour)

	_, err := ledger.GetOrCreateAccount(context.Background(), "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if verr.Field != "ownerID" {
		t.Errorf("field = %q, want %q", verr.Field, "ownerID")
	}
}

func TestHasAccount_NeverProvisions(t *testing.T) {
	be := newCountingBackend()
	st := newMemStore()
	ledger := newTestLedger(t, be, st, nil, time.Hour)
	ctx := context.Background()

	ok, err := ledger.HasAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("has account: %v", err)
	}
	if ok {
		t.Error("HasAccount = true for unknown identity")
	}
	if creates, _ := be.counts(); creates != 0 {
		t.Errorf("backend create calls = %d, want 0", creates)
	}

	if _, err := ledger.GetOrCreateAccount(ctx, "alice"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	ok, err = ledger.HasAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("has account: %v", err)
	}
	if !ok {
		t.Error("HasAccount = false after provisioning")
	}
}

func TestGetBalance_ServedFromCacheWithinWindow(t *testing.T) {
	be := newCountingBackend()
	st := newMemStore()
	ledger := newTestLedger(t, be, st, nil, time.Hour)
	ctx := context.Background()

	if _, err := ledger.GetOrCreateAccount(ctx, "alice"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	be.setBalance("invoice-acct-1", 2500)

	bal, err := ledger.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if bal != 2500 {
		t.Errorf("balance = %d, want 2500", bal)
	}

	// Backend moves but the cache is still fresh.
	be.setBalance("invoice-acct-1", 9999)
	bal, err = ledger.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if bal != 2500 {
		t.Errorf("cached balance = %d, want 2500", bal)
	}
	if _, balances := be.counts(); balances != 1 {
		t.Errorf("backend balance calls = %d, want 1", balances)
	}
}

func TestGetBalance_RefreshesWhenStale(t *testing.T) {
	be := newCountingBackend()
	st := newMemStore()
	ledger := newTestLedger(t, be, st, nil, time.Nanosecond)
	ctx := context.Background()

	if _, err := ledger.GetOrCreateAccount(ctx, "alice"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	be.setBalance("invoice-acct-1", 100)

	if _, err := ledger.GetBalance(ctx, "alice"); err != nil {
		t.Fatalf("first read: %v", err)
	}
	be.setBalance("invoice-acct-1", 300)

	bal, err := ledger.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if bal != 300 {
		t.Errorf("balance = %d, want 300", bal)
	}
}

func TestGetBalance_BackendDownCarriesStaleValue(t *testing.T) {
	be := newCountingBackend()
	st := newMemStore()
	ledger := newTestLedger(t, be, st, nil, time.Nanosecond)
	ctx := context.Background()

	if _, err := ledger.GetOrCreateAccount(ctx, "alice"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	be.setBalance("invoice-acct-1", 1500)
	if _, err := ledger.GetBalance(ctx, "alice"); err != nil {
		t.Fatalf("warm read: %v", err)
	}

	be.mu.Lock()
	be.balanceErr = errors.New("backend down")
	be.mu.Unlock()

	_, err := ledger.GetBalance(ctx, "alice")
	var be2 *BackendUnavailableError
	if !errors.As(err, &be2) {
		t.Fatalf("err = %v, want *BackendUnavailableError", err)
	}
	if !be2.Stale {
		t.Fatal("expected stale value to be carried")
	}
	if be2.StaleAmountMsat != 1500 {
		t.Errorf("stale amount = %d, want 1500", be2.StaleAmountMsat)
	}
	if be2.StaleAt.IsZero() {
		t.Error("stale timestamp is zero")
	}
}

func TestGetBalance_NoAccountNeverProvisions(t *testing.T) {
	be := newCountingBackend()
	ledger := newTestLedger(t, be, newMemStore(), nil, time.Hour)

	_, err := ledger.GetBalance(context.Background(), "ghost")
	if !errors.Is(err, ErrNoAccount) {
		t.Fatalf("err = %v, want ErrNoAccount", err)
	}
	if creates, _ := be.counts(); creates != 0 {
		t.Errorf("backend create calls = %d, want 0", creates)
	}
}

func TestApplyPaymentEvent_RefreshesFromBackendTruth(t *testing.T) {
	be := newCountingBackend()
	st := newMemStore()
	ledger := newTestLedger(t, be, st, nil, time.Hour)
	ctx := context.Background()

	acct, err := ledger.GetOrCreateAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := ledger.GetBalance(ctx, "alice"); err != nil {
		t.Fatalf("initial read: %v", err)
	}

	// The settlement already happened on the backend; the event only
	// tells us to re-query, its amount is never applied locally.
	be.setBalance("invoice-acct-1", 1000)
	ev := PaymentEvent{
		BackendAccountID: acct.BackendAccountID,
		PaymentHash:      "h1",
		AmountMsat:       999999, // deliberately wrong
		CheckingID:       "c1",
		ObservedAt:       time.Now(),
	}
	if err := ledger.ApplyPaymentEvent(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}

	bal, err := ledger.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("read after event: %v", err)
	}
	if bal != 1000 {
		t.Errorf("balance = %d, want 1000 (backend truth, not event arithmetic)", bal)
	}
}

func TestApplyPaymentEvent_UnknownAccount(t *testing.T) {
	ledger := newTestLedger(t, newCountingBackend(), newMemStore(), nil, time.Hour)

	err := ledger.ApplyPaymentEvent(context.Background(), PaymentEvent{
		BackendAccountID: "nope",
		CheckingID:       "c1",
	})
	if !errors.Is(err, ErrNoAccount) {
		t.Fatalf("err = %v, want ErrNoAccount", err)
	}
}

func TestResolveOwner_FallsBackToStore(t *testing.T) {
	be := newCountingBackend()
	st := newMemStore()
	first := newTestLedger(t, be, st, nil, time.Hour)
	ctx := context.Background()

	acct, err := first.GetOrCreateAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	// Fresh process: empty cache, same store.
	second := newTestLedger(t, be, st, nil, time.Hour)
	owner, err := second.ResolveOwnerByBackendAccountID(ctx, acct.BackendAccountID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if owner != "alice" {
		t.Errorf("owner = %q, want %q", owner, "alice")
	}

	_, err = second.ResolveOwnerByBackendAccountID(ctx, "missing")
	if !errors.Is(err, ErrNoAccount) {
		t.Errorf("err = %v, want ErrNoAccount", err)
	}
}

func TestCreateInvoice_ValidatesAndProvisions(t *testing.T) {
	be := newCountingBackend()
	st := newMemStore()
	ledger := newTestLedger(t, be, st, nil, time.Hour)
	ctx := context.Background()

	for _, amount := range []int64{0, -5} {
		_, err := ledger.CreateInvoice(ctx, "alice", amount, "nope")
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("amount %d: err = %v, want *ValidationError", amount, err)
		}
	}
	if creates, _ := be.counts(); creates != 0 {
		t.Fatalf("backend create calls after rejected invoices = %d, want 0", creates)
	}

	inv, err := ledger.CreateInvoice(ctx, "alice", 21000, "coffee")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if inv.PaymentRequest == "" || inv.PaymentHash == "" {
		t.Errorf("incomplete invoice: %+v", inv)
	}
	if creates, _ := be.counts(); creates != 1 {
		t.Errorf("backend create calls = %d, want 1 (first invoice provisions)", creates)
	}
	be.mu.Lock()
	amount, memo := be.lastInvoiceAmount, be.lastInvoiceMemo
	be.mu.Unlock()
	if amount != 21000 || memo != "coffee" {
		t.Errorf("invoice call got (%d, %q), want (21000, %q)", amount, memo, "coffee")
	}
}

func TestRateLimit_RejectsWithRetryAfter(t *testing.T) {
	be := newCountingBackend()
	st := newMemStore()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.New(1, time.Minute, func() time.Time { return now })
	ledger := newTestLedger(t, be, st, limiter, time.Nanosecond)
	ctx := context.Background()

	// Seed the record directly so provisioning does not spend a token.
	keys := testKeys(t)
	encAdmin, _ := keys.Encrypt("admin-acct-1")
	encInvoice, _ := keys.Encrypt("invoice-acct-1")
	st.Save(ctx, store.Record{
		OwnerID:          "alice",
		BackendAccountID: "acct-1",
		AdminKey:         encAdmin,
		InvoiceKey:       encInvoice,
		CreatedAt:        now,
	})
	be.setBalance("invoice-acct-1", 42)

	if _, err := ledger.GetBalance(ctx, "alice"); err != nil {
		t.Fatalf("first read: %v", err)
	}

	_, err := ledger.GetBalance(ctx, "alice")
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want *RateLimitedError", err)
	}
	if rl.OwnerID != "alice" {
		t.Errorf("owner = %q, want %q", rl.OwnerID, "alice")
	}
	if rl.RetryAfter <= 0 || rl.RetryAfter > time.Minute {
		t.Errorf("retry after = %v, want within (0, 1m]", rl.RetryAfter)
	}

	// Independent owners are unaffected.
	encAdmin2, _ := keys.Encrypt("admin-acct-2")
	encInvoice2, _ := keys.Encrypt("invoice-acct-2")
	st.Save(ctx, store.Record{
		OwnerID:          "bob",
		BackendAccountID: "acct-2",
		AdminKey:         encAdmin2,
		InvoiceKey:       encInvoice2,
		CreatedAt:        now,
	})
	be.setBalance("invoice-acct-2", 7)
	if _, err := ledger.GetBalance(ctx, "bob"); err != nil {
		t.Fatalf("bob's read: %v", err)
	}
}

func TestInstall_MigratesPlaintextCredentials(t *testing.T) {
	be := newCountingBackend()
	st := newMemStore()
	ledger := newTestLedger(t, be, st, nil, time.Hour)
	ctx := context.Background()

	// Record written before credential encryption existed.
	st.Save(ctx, store.Record{
		OwnerID:          "legacy",
		BackendAccountID: "acct-legacy",
		AdminKey:         "plain-admin",
		InvoiceKey:       "plain-invoice",
		CreatedAt:        time.Now(),
	})

	if _, err := ledger.GetOrCreateAccount(ctx, "legacy"); err != nil {
		t.Fatalf("load legacy account: %v", err)
	}

	rec, ok := st.record("legacy")
	if !ok {
		t.Fatal("legacy record gone")
	}
	keys := testKeys(t)
	if !keys.IsEncrypted(rec.AdminKey) {
		t.Fatal("admin key still plaintext after migration")
	}
	got, err := keys.Decrypt(rec.AdminKey)
	if err != nil {
		t.Fatalf("decrypt migrated admin key: %v", err)
	}
	if got != "plain-admin" {
		t.Errorf("migrated admin key = %q, want %q", got, "plain-admin")
	}
	if creates, _ := be.counts(); creates != 0 {
		t.Errorf("backend create calls = %d, want 0", creates)
	}
}

func TestGetOrCreateAccount_SaveFailureDoesNotReprovision(t *testing.T) {
	be := newCountingBackend()
	st := newMemStore()
	ledger := newTestLedger(t, be, st, nil, time.Hour)
	ctx := context.Background()

	st.setSaveErr(errors.New("disk full"))
	_, err := ledger.GetOrCreateAccount(ctx, "alice")
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *StorageError", err)
	}
	if creates, _ := be.counts(); creates != 1 {
		t.Fatalf("backend create calls = %d, want 1", creates)
	}

	// Storage recovers; the already-provisioned account is flushed, not
	// provisioned again.
	st.setSaveErr(nil)
	acct, err := ledger.GetOrCreateAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("retry after storage recovery: %v", err)
	}
	if acct.BackendAccountID != "acct-1" {
		t.Errorf("account id = %q, want %q", acct.BackendAccountID, "acct-1")
	}
	if creates, _ := be.counts(); creates != 1 {
		t.Errorf("backend create calls = %d, want 1", creates)
	}
	if _, ok := st.record("alice"); !ok {
		t.Error("record not persisted after recovery")
	}
}

func TestUpdateDisplayName_PersistsChange(t *testing.T) {
	be := newCountingBackend()
	st := newMemStore()
	ledger := newTestLedger(t, be, st, nil, time.Hour)
	ctx := context.Background()

	if _, err := ledger.GetOrCreateAccount(ctx, "alice"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	st.mu.Lock()
	before := st.saveCalls
	st.mu.Unlock()

	if err := ledger.UpdateDisplayName(ctx, "alice", "Alice B"); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _ := st.record("alice")
	if rec.DisplayName != "Alice B" {
		t.Errorf("display name = %q, want %q", rec.DisplayName, "Alice B")
	}

	// Same name again is a no-op.
	if err := ledger.UpdateDisplayName(ctx, "alice", "Alice B"); err != nil {
		t.Fatalf("repeat update: %v", err)
	}
	st.mu.Lock()
	after := st.saveCalls
	st.mu.Unlock()
	if after != before+1 {
		t.Errorf("save calls = %d, want %d", after, before+1)
	}
}

func TestWarmCache_SkipsCorruptRows(t *testing.T) {
	be := newCountingBackend()
	st := newMemStore()
	ledger := newTestLedger(t, be, st, nil, time.Hour)
	ctx := context.Background()
	keys := testKeys(t)

	encAdmin, _ := keys.Encrypt("admin-good")
	encInvoice, _ := keys.Encrypt("invoice-good")
	st.Save(ctx, store.Record{
		OwnerID:          "good",
		BackendAccountID: "acct-good",
		AdminKey:         encAdmin,
		InvoiceKey:       encInvoice,
		CreatedAt:        time.Now(),
	})

	// Looks encrypted (valid base64, plausible length) but is garbage.
	corrupt := base64.StdEncoding.EncodeToString(make([]byte, 48))
	st.Save(ctx, store.Record{
		OwnerID:          "corrupt",
		BackendAccountID: "acct-corrupt",
		AdminKey:         corrupt,
		InvoiceKey:       corrupt,
		CreatedAt:        time.Now(),
	})

	if err := ledger.WarmCache(ctx); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	owner, err := ledger.ResolveOwnerByBackendAccountID(ctx, "acct-good")
	if err != nil {
		t.Fatalf("resolve good account: %v", err)
	}
	if owner != "good" {
		t.Errorf("owner = %q, want %q", owner, "good")
	}
}
