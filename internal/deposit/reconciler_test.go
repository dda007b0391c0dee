package deposit

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/commonfund/internal/database"
	"github.com/dukerupert/commonfund/internal/fund"
	"github.com/dukerupert/commonfund/internal/model"
)

type mockArchiver struct {
	mu      sync.Mutex
	names   []string
	records []model.WebhookDeposit
	err     error
}

func (m *mockArchiver) Archive(ctx context.Context, name string, records []model.WebhookDeposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.names = append(m.names, name)
	m.records = append(m.records, records...)
	return nil
}

type testEnv struct {
	db       *sql.DB
	svc      *fund.Service
	rec      *Reconciler
	archiver *mockArchiver
	now      time.Time
	family   *model.Wallet
	commons  *model.Wallet
}

func setupReconciler(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{db: db, archiver: &mockArchiver{}, now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.svc = fund.NewService(db, fund.Config{}, logger, fund.WithClock(clock))
	env.rec = NewReconciler(db, env.svc, Config{Secret: "s3cret", Retention: 30 * 24 * time.Hour, Operators: []string{"ops"}}, logger,
		WithArchiver(env.archiver), WithClock(clock))

	ctx := context.Background()
	env.family, err = env.svc.CreateWallet(ctx, fund.CreateWalletInput{Name: "Nguyen family", Kind: model.KindFamily, CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("create family wallet: %v", err)
	}
	env.commons, err = env.svc.CreateWallet(ctx, fund.CreateWalletInput{Name: "Street fund", Kind: model.KindCommunity, CreatedBy: "bob"})
	if err != nil {
		t.Fatalf("create community wallet: %v", err)
	}
	return env
}

func (e *testEnv) balance(t *testing.T, w *model.Wallet) int64 {
	t.Helper()
	bal, err := e.svc.GetWalletBalance(context.Background(), w.ID, w.CreatedBy)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Balance
}

func payload(id int64, content string, amount int64) Payload {
	return Payload{
		ID:              id,
		Gateway:         "Vietcombank",
		TransactionDate: "2026-04-01 07:59:12",
		AccountNumber:   "0071000888888",
		Content:         content,
		TransferType:    "in",
		TransferAmount:  amount,
		ReferenceCode:   "FT2609100001",
	}
}

func TestHandleProcessesDeposit(t *testing.T) {
	env := setupReconciler(t)
	ctx := context.Background()

	res, err := env.rec.Handle(ctx, payload(1001, "FAMILY_"+env.family.ID+" tien an", 500_000))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeProcessed {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeProcessed)
	}
	if res.WalletID != env.family.ID || res.TransactionID == "" {
		t.Errorf("result = %+v", res)
	}
	if got := env.balance(t, env.family); got != 500_000 {
		t.Errorf("balance = %d, want 500000", got)
	}

	page, err := env.svc.GetTransactionHistory(ctx, env.family.ID, "alice", fund.HistoryQuery{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	tx := page.Transactions[0]
	if tx.ExternalRef == nil || *tx.ExternalRef != "1001" {
		t.Errorf("external_ref = %v, want 1001", tx.ExternalRef)
	}
	if tx.Reference == nil || *tx.Reference != "FT2609100001" {
		t.Errorf("reference = %v, want FT2609100001", tx.Reference)
	}
}

func TestHandleReplayCreditsOnce(t *testing.T) {
	env := setupReconciler(t)
	ctx := context.Background()
	p := payload(2002, "COM_"+env.commons.ID, 120_000)

	first, err := env.rec.Handle(ctx, p)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	for i := 0; i < 5; i++ {
		res, err := env.rec.Handle(ctx, p)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if res.Outcome != OutcomeDuplicate {
			t.Errorf("replay %d outcome = %q, want %q", i, res.Outcome, OutcomeDuplicate)
		}
		if res.TransactionID != first.TransactionID {
			t.Errorf("replay %d transaction = %s, want %s", i, res.TransactionID, first.TransactionID)
		}
	}
	if got := env.balance(t, env.commons); got != 120_000 {
		t.Errorf("balance = %d, want a single credit of 120000", got)
	}
}

func TestHandleConcurrentDeliveries(t *testing.T) {
	env := setupReconciler(t)
	ctx := context.Background()
	p := payload(3003, "WALLET_"+env.commons.ID, 75_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[Outcome]int{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.rec.Handle(ctx, p)
			if err != nil {
				t.Errorf("handle: %v", err)
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if outcomes[OutcomeProcessed] != 1 || outcomes[OutcomeDuplicate] != 9 {
		t.Errorf("outcomes = %v, want 1 processed and 9 duplicates", outcomes)
	}
	if got := env.balance(t, env.commons); got != 75_000 {
		t.Errorf("balance = %d, want 75000", got)
	}
}

func TestHandleUnrecognizedMemo(t *testing.T) {
	env := setupReconciler(t)
	ctx := context.Background()

	res, err := env.rec.Handle(ctx, payload(4004, "chuyen tien sinh hoat", 200_000))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeUnrouted {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeUnrouted)
	}
	if env.balance(t, env.family) != 0 || env.balance(t, env.commons) != 0 {
		t.Error("expected no wallet to be credited")
	}

	unrouted, err := env.rec.ListUnrouted(ctx, "ops")
	if err != nil {
		t.Fatalf("list unrouted: %v", err)
	}
	if len(unrouted) != 1 || unrouted[0].ID != res.RecordID {
		t.Fatalf("unrouted = %+v, want record %s", unrouted, res.RecordID)
	}
	if unrouted[0].ErrorMessage == nil || *unrouted[0].ErrorMessage != "no wallet tag in memo" {
		t.Errorf("reason = %v", unrouted[0].ErrorMessage)
	}

	again, err := env.rec.Handle(ctx, payload(4004, "chuyen tien sinh hoat", 200_000))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.Outcome != OutcomeDuplicate {
		t.Errorf("retry outcome = %q, want %q", again.Outcome, OutcomeDuplicate)
	}
}

func TestHandleUnknownWalletAndKindMismatch(t *testing.T) {
	env := setupReconciler(t)
	ctx := context.Background()

	res, err := env.rec.Handle(ctx, payload(5005, "FAMILY_deadbeef", 1_000))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeUnrouted {
		t.Errorf("unknown wallet outcome = %q, want unrouted", res.Outcome)
	}

	res, err = env.rec.Handle(ctx, payload(5006, "FAMILY_"+env.commons.ID, 1_000))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeUnrouted {
		t.Errorf("kind mismatch outcome = %q, want unrouted", res.Outcome)
	}
	if got := env.balance(t, env.commons); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestHandleIgnoresOutgoing(t *testing.T) {
	env := setupReconciler(t)
	p := payload(6006, "FAMILY_"+env.family.ID, 10_000)
	p.TransferType = "out"

	res, err := env.rec.Handle(context.Background(), p)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Errorf("outcome = %q, want %q", res.Outcome, OutcomeIgnored)
	}
	if got := env.balance(t, env.family); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestHandleRejectsMalformed(t *testing.T) {
	env := setupReconciler(t)
	ctx := context.Background()

	for name, p := range map[string]Payload{
		"zero amount":     payload(7007, "x", 0),
		"negative amount": payload(7008, "x", -5),
		"missing id":      payload(0, "x", 10),
		"missing type":    {ID: 7009, TransferAmount: 10},
	} {
		if _, err := env.rec.Handle(ctx, p); !errors.Is(err, fund.ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", name, err)
		}
	}
}

func TestHandleRetriesFailedRecord(t *testing.T) {
	env := setupReconciler(t)
	ctx := context.Background()
	p := payload(8008, "FAMILY_"+env.family.ID, 40_000)

	if _, err := env.db.Exec(`CREATE TRIGGER fail_insert BEFORE INSERT ON transactions BEGIN SELECT RAISE(ABORT, 'disk full'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	if _, err := env.rec.Handle(ctx, p); err == nil {
		t.Fatal("expected failure while inserts are blocked")
	}
	rec, err := env.rec.deposits.GetByKey(ctx, p.DedupKey())
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec == nil || rec.Outcome != model.DepositFailed || rec.ErrorMessage == nil {
		t.Fatalf("record = %+v, want failed with message", rec)
	}

	if _, err := env.db.Exec(`DROP TRIGGER fail_insert`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	res, err := env.rec.Handle(ctx, p)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Outcome != OutcomeProcessed {
		t.Errorf("retry outcome = %q, want %q", res.Outcome, OutcomeProcessed)
	}
	if res.RecordID != rec.ID {
		t.Errorf("record id = %s, want upgraded record %s", res.RecordID, rec.ID)
	}
	rec, err = env.rec.deposits.GetByKey(ctx, p.DedupKey())
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Outcome != model.DepositProcessed || rec.Attempts != 2 {
		t.Errorf("record = %s after %d attempts, want processed after 2", rec.Outcome, rec.Attempts)
	}
	if got := env.balance(t, env.family); got != 40_000 {
		t.Errorf("balance = %d, want 40000", got)
	}
}

func TestRouteUnrouted(t *testing.T) {
	env := setupReconciler(t)
	ctx := context.Background()

	res, err := env.rec.Handle(ctx, payload(9009, "ung ho quy", 300_000))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if _, err := env.rec.Route(ctx, res.RecordID, env.commons.ID, "alice"); !errors.Is(err, fund.ErrForbidden) {
		t.Errorf("non-admin route err = %v, want ErrForbidden", err)
	}
	if _, err := env.rec.Route(ctx, res.RecordID, env.commons.ID, "bob"); !errors.Is(err, fund.ErrForbidden) {
		t.Errorf("admin route of untagged deposit err = %v, want ErrForbidden", err)
	}

	tx, err := env.rec.Route(ctx, res.RecordID, env.commons.ID, "ops")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if tx.Amount != 300_000 || tx.CreatedBy != "ops" {
		t.Errorf("transaction = %+v", tx)
	}
	if got := env.balance(t, env.commons); got != 300_000 {
		t.Errorf("balance = %d, want 300000", got)
	}

	if _, err := env.rec.Route(ctx, res.RecordID, env.commons.ID, "ops"); !errors.Is(err, fund.ErrConflict) {
		t.Errorf("second route err = %v, want ErrConflict", err)
	}
	if _, err := env.rec.Route(ctx, "missing", env.commons.ID, "ops"); !errors.Is(err, fund.ErrNotFound) {
		t.Errorf("missing record err = %v, want ErrNotFound", err)
	}

	unrouted, err := env.rec.ListUnrouted(ctx, "ops")
	if err != nil {
		t.Fatalf("list unrouted: %v", err)
	}
	if len(unrouted) != 0 {
		t.Errorf("unrouted = %d, want 0", len(unrouted))
	}
}

func TestListUnroutedScopedToCaller(t *testing.T) {
	env := setupReconciler(t)
	ctx := context.Background()

	if _, err := env.rec.Handle(ctx, payload(1, "no tag here", 10_000)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := env.rec.Handle(ctx, payload(2, "FAMILY_"+env.commons.ID, 20_000)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := env.rec.Handle(ctx, payload(3, "FAMILY_unknownwallet", 30_000)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	tests := []struct {
		caller string
		want   int
	}{
		{"ops", 3},
		{"bob", 1},
		{"alice", 0},
		{"stranger", 0},
	}
	for _, tt := range tests {
		t.Run(tt.caller, func(t *testing.T) {
			got, err := env.rec.ListUnrouted(ctx, tt.caller)
			if err != nil {
				t.Fatalf("list unrouted: %v", err)
			}
			if got == nil {
				t.Fatal("expected an empty slice, got nil")
			}
			if len(got) != tt.want {
				t.Errorf("unrouted = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestRouteRejectsStrangerWallet(t *testing.T) {
	env := setupReconciler(t)
	ctx := context.Background()

	// Kind mismatch leaves the deposit unrouted though the memo names commons.
	res, err := env.rec.Handle(ctx, payload(7007, "FAMILY_"+env.commons.ID, 750_000))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeUnrouted {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeUnrouted)
	}

	own, err := env.svc.CreateWallet(ctx, fund.CreateWalletInput{Name: "Mallory", Kind: model.KindCommunity, CreatedBy: "mallory"})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	visible, err := env.rec.ListUnrouted(ctx, "mallory")
	if err != nil {
		t.Fatalf("list unrouted: %v", err)
	}
	if len(visible) != 0 {
		t.Errorf("mallory sees %d unrouted deposits, want 0", len(visible))
	}
	if _, err := env.rec.Route(ctx, res.RecordID, own.ID, "mallory"); !errors.Is(err, fund.ErrForbidden) {
		t.Errorf("route into own wallet err = %v, want ErrForbidden", err)
	}
	if _, err := env.rec.Route(ctx, res.RecordID, env.commons.ID, "mallory"); !errors.Is(err, fund.ErrForbidden) {
		t.Errorf("route into named wallet err = %v, want ErrForbidden", err)
	}
	if got := env.balance(t, own); got != 0 {
		t.Errorf("mallory balance = %d, want 0", got)
	}
	if got := env.balance(t, env.commons); got != 0 {
		t.Errorf("commons balance = %d, want 0", got)
	}

	if _, err := env.rec.Route(ctx, res.RecordID, env.family.ID, "bob"); !errors.Is(err, fund.ErrForbidden) {
		t.Errorf("admin route into other wallet err = %v, want ErrForbidden", err)
	}
	visible, err = env.rec.ListUnrouted(ctx, "bob")
	if err != nil {
		t.Fatalf("list unrouted: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != res.RecordID {
		t.Fatalf("bob sees %+v, want record %s", visible, res.RecordID)
	}
	tx, err := env.rec.Route(ctx, res.RecordID, env.commons.ID, "bob")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if tx.CreatedBy != "bob" {
		t.Errorf("created by = %q, want bob", tx.CreatedBy)
	}
	if got := env.balance(t, env.commons); got != 750_000 {
		t.Errorf("commons balance = %d, want 750000", got)
	}
}

func TestPrune(t *testing.T) {
	env := setupReconciler(t)
	ctx := context.Background()

	old, err := env.rec.Handle(ctx, payload(1, "FAMILY_"+env.family.ID, 1_000))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := env.rec.Handle(ctx, payload(2, "no tag here", 1_000)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	env.now = env.now.Add(31 * 24 * time.Hour)
	if _, err := env.rec.Handle(ctx, payload(3, "FAMILY_"+env.family.ID, 1_000)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	n, err := env.rec.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if len(env.archiver.records) != 1 || env.archiver.records[0].ID != old.RecordID {
		t.Errorf("archived = %+v, want the old processed record", env.archiver.records)
	}

	unrouted, err := env.rec.ListUnrouted(ctx, "ops")
	if err != nil {
		t.Fatalf("list unrouted: %v", err)
	}
	if len(unrouted) != 1 {
		t.Errorf("unrouted = %d, want 1 kept", len(unrouted))
	}
	if got := env.balance(t, env.family); got != 2_000 {
		t.Errorf("balance = %d, want ledger untouched by pruning", got)
	}
}

func TestPruneArchiveFailureKeepsRecords(t *testing.T) {
	env := setupReconciler(t)
	ctx := context.Background()
	env.archiver.err = errors.New("bucket unavailable")

	p := payload(1, "FAMILY_"+env.family.ID, 1_000)
	if _, err := env.rec.Handle(ctx, p); err != nil {
		t.Fatalf("handle: %v", err)
	}
	env.now = env.now.Add(31 * 24 * time.Hour)

	if _, err := env.rec.Prune(ctx); err == nil {
		t.Fatal("expected archive error")
	}
	rec, err := env.rec.deposits.GetByKey(ctx, p.DedupKey())
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec == nil {
		t.Error("expected record to survive a failed archive")
	}
}

func TestAuthorize(t *testing.T) {
	env := setupReconciler(t)

	tests := []struct {
		header string
		want   bool
	}{
		{"Apikey s3cret", true},
		{"apikey s3cret", true},
		{"Apikey wrong", false},
		{"Bearer s3cret", false},
		{"s3cret", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := env.rec.Authorize(tt.header); got != tt.want {
			t.Errorf("Authorize(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}

	open := NewReconciler(env.db, env.svc, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !open.Authorize("") {
		t.Error("expected requests to pass without a configured secret")
	}
}

func TestDedupKey(t *testing.T) {
	a := payload(42, "memo one", 1_000)
	b := payload(42, "a different memo", 1_000)
	if a.DedupKey() != b.DedupKey() {
		t.Error("memo must not affect the dedup key")
	}
	c := payload(42, "memo one", 2_000)
	if a.DedupKey() == c.DedupKey() {
		t.Error("amount must affect the dedup key")
	}
	d := a
	d.TransferType = "IN"
	if a.DedupKey() != d.DedupKey() {
		t.Error("transfer type must be compared case-insensitively")
	}
	if len(a.DedupKey()) != 64 {
		t.Errorf("key length = %d, want 64", len(a.DedupKey()))
	}
}
