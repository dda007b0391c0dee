// Package deposit applies bank-transfer notifications from the payment
// gateway to wallet ledgers exactly once.
package deposit

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/dukerupert/commonfund/internal/fund"
	"github.com/dukerupert/commonfund/internal/model"
	"github.com/dukerupert/commonfund/internal/store"
)

// Payload is one bank-transfer notification as posted by the gateway.
type Payload struct {
	ID              int64  `json:"id"`
	Gateway         string `json:"gateway"`
	TransactionDate string `json:"transactionDate"`
	AccountNumber   string `json:"accountNumber"`
	Content         string `json:"content"`
	TransferType    string `json:"transferType"`
	TransferAmount  int64  `json:"transferAmount"`
	ReferenceCode   string `json:"referenceCode"`
	Description     string `json:"description"`
}

// Validate rejects notifications that cannot be processed at all.
func (p *Payload) Validate() error {
	if p.ID <= 0 {
		return fmt.Errorf("%w: id is required", fund.ErrValidation)
	}
	if p.TransferAmount <= 0 {
		return fmt.Errorf("%w: transferAmount must be positive", fund.ErrValidation)
	}
	if strings.TrimSpace(p.TransferType) == "" {
		return fmt.Errorf("%w: transferType is required", fund.ErrValidation)
	}
	return nil
}

// DedupKey identifies a notification across gateway retries.
func (p *Payload) DedupKey() string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%d|%s|%d|%s",
		p.ID, p.ReferenceCode, p.TransferAmount, strings.ToLower(strings.TrimSpace(p.TransferType)))))
	return hex.EncodeToString(sum[:])
}

type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnrouted  Outcome = "unrouted"
	OutcomeProcessed Outcome = "processed"
)

type Result struct {
	Outcome       Outcome `json:"outcome"`
	RecordID      string  `json:"record_id,omitempty"`
	WalletID      string  `json:"wallet_id,omitempty"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// Archiver stores pruned records outside the database.
type Archiver interface {
	Archive(ctx context.Context, name string, records []model.WebhookDeposit) error
}

type Config struct {
	Secret    string
	Retention time.Duration
	// Operators are the user IDs allowed to review and route every unrouted
	// deposit.
	Operators []string
}

type Option func(*Reconciler)

func WithArchiver(a Archiver) Option {
	return func(r *Reconciler) { r.archiver = a }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

type Reconciler struct {
	fund     *fund.Service
	deposits *store.DepositStore
	wallets  *store.WalletStore
	cfg       Config
	operators map[string]struct{}
	archiver  Archiver
	now      func() time.Time
	logger   *slog.Logger
}

var errAlreadyClaimed = errors.New("deposit already claimed")

func newRecordID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewReconciler(db *sql.DB, svc *fund.Service, cfg Config, logger *slog.Logger, opts ...Option) *Reconciler {
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	r := &Reconciler{
		fund:      svc,
		deposits:  store.NewDepositStore(db),
		wallets:   store.NewWalletStore(db),
		cfg:       cfg,
		operators: make(map[string]struct{}, len(cfg.Operators)),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
	for _, id := range cfg.Operators {
		if id = strings.TrimSpace(id); id != "" {
			r.operators[id] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authorize checks the gateway's "Apikey <secret>" authorization header.
// Without a configured secret every request is accepted.
func (r *Reconciler) Authorize(header string) bool {
	if r.cfg.Secret == "" {
		return true
	}
	scheme, key, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Apikey") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(key)), []byte(r.cfg.Secret)) == 1
}

// Handle applies one notification. Duplicates and notifications that cannot
// be routed are acknowledged without an error; an error means the gateway
// should retry.
func (r *Reconciler) Handle(ctx context.Context, p Payload) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(p.TransferType), "in") {
		return &Result{Outcome: OutcomeIgnored, Reason: "outgoing transfer"}, nil
	}

	key := p.DedupKey()
	existing, err := r.deposits.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Outcome != model.DepositFailed {
		return duplicateResult(existing), nil
	}

	now := r.now()
	rec := &model.WebhookDeposit{
		ID:              newRecordID(),
		DedupKey:        key,
		ExternalID:      p.ID,
		Gateway:         p.Gateway,
		AccountNumber:   p.AccountNumber,
		TransactionDate: p.TransactionDate,
		Content:         p.Content,
		ReferenceCode:   p.ReferenceCode,
		TransferType:    strings.ToLower(strings.TrimSpace(p.TransferType)),
		Amount:          p.TransferAmount,
		ProcessedAt:     now,
		CreatedAt:       now,
	}

	tag := Resolve(p.Content)
	if !tag.Recognized() {
		tag = Resolve(p.Description)
	}
	wallet, reason, err := r.route(ctx, tag)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return r.park(ctx, rec, tag, reason)
	}

	kind := wallet.Kind
	rec.WalletKind = &kind
	rec.WalletID = &wallet.ID

	externalRef := strconv.FormatInt(p.ID, 10)
	var reference *string
	if p.ReferenceCode != "" {
		reference = &p.ReferenceCode
	}
	description := strings.TrimSpace(p.Content)
	if description == "" {
		description = strings.TrimSpace(p.Description)
	}

	tx, err := r.fund.Credit(ctx, fund.CreditRequest{
		WalletID:     wallet.ID,
		Amount:       p.TransferAmount,
		Type:         model.TxDeposit,
		Description:  description,
		Counterparty: p.Gateway,
		ExternalRef:  &externalRef,
		Reference:    reference,
		CreatedBy:    "webhook",
	}, func(ctx context.Context, sqlTx *sql.Tx, t *model.Transaction) error {
		rec.Outcome = model.DepositProcessed
		rec.TransactionID = &t.ID
		ok, err := r.deposits.WithTx(sqlTx).Claim(ctx, rec)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyClaimed
		}
		return nil
	})
	if errors.Is(err, errAlreadyClaimed) {
		current, err := r.deposits.GetByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		return duplicateResult(current), nil
	}
	if err != nil {
		r.logger.Error("apply deposit", "dedup_key", key, "wallet_id", wallet.ID, "error", err)
		rec.TransactionID = nil
		if ferr := r.deposits.RecordFailure(ctx, rec, err.Error()); ferr != nil {
			r.logger.Error("record deposit failure", "dedup_key", key, "error", ferr)
		}
		return nil, fmt.Errorf("apply deposit: %w", err)
	}

	r.logger.Info("deposit processed", "wallet_id", wallet.ID, "transaction_id", tx.ID, "amount", tx.Amount, "external_id", p.ID)
	return &Result{Outcome: OutcomeProcessed, RecordID: r.recordID(ctx, key, rec.ID), WalletID: wallet.ID, TransactionID: tx.ID}, nil
}

// route looks up the wallet named by tag. A nil wallet with a reason means
// the deposit cannot be routed automatically.
func (r *Reconciler) route(ctx context.Context, tag Tag) (*model.Wallet, string, error) {
	if !tag.Recognized() {
		return nil, "no wallet tag in memo", nil
	}
	wallet, err := r.wallets.GetByID(ctx, tag.WalletID)
	if err != nil {
		return nil, "", err
	}
	if wallet == nil {
		return nil, fmt.Sprintf("wallet %s not found", tag.WalletID), nil
	}
	if wallet.Kind != tag.Kind {
		return nil, fmt.Sprintf("memo names a %s wallet but %s is %s", tag.Kind, wallet.ID, wallet.Kind), nil
	}
	return wallet, "", nil
}

// park records a notification that needs an operator to pick its wallet.
func (r *Reconciler) park(ctx context.Context, rec *model.WebhookDeposit, tag Tag, reason string) (*Result, error) {
	rec.Outcome = model.DepositUnrouted
	rec.ErrorMessage = &reason
	if tag.Recognized() {
		kind := tag.Kind
		rec.WalletKind = &kind
	}
	ok, err := r.deposits.Claim(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := r.deposits.GetByKey(ctx, rec.DedupKey)
		if err != nil {
			return nil, err
		}
		return duplicateResult(current), nil
	}
	r.logger.Warn("deposit unrouted", "external_id", rec.ExternalID, "amount", rec.Amount, "reason", reason)
	return &Result{Outcome: OutcomeUnrouted, RecordID: r.recordID(ctx, rec.DedupKey, rec.ID), Reason: reason}, nil
}

// recordID returns the stored record's ID, which differs from fallback when
// a failed record was upgraded in place.
func (r *Reconciler) recordID(ctx context.Context, key, fallback string) string {
	current, err := r.deposits.GetByKey(ctx, key)
	if err != nil || current == nil {
		return fallback
	}
	return current.ID
}

func duplicateResult(rec *model.WebhookDeposit) *Result {
	res := &Result{Outcome: OutcomeDuplicate}
	if rec == nil {
		return res
	}
	res.RecordID = rec.ID
	if rec.WalletID != nil {
		res.WalletID = *rec.WalletID
	}
	if rec.TransactionID != nil {
		res.TransactionID = *rec.TransactionID
	}
	return res
}

func (r *Reconciler) isOperator(userID string) bool {
	_, ok := r.operators[userID]
	return ok
}

// ListUnrouted returns the unrouted deposits the caller may act on. Operators
// see every record. Anyone else sees only records whose memo names a wallet
// they administer.
func (r *Reconciler) ListUnrouted(ctx context.Context, callerID string) ([]model.WebhookDeposit, error) {
	records, err := r.deposits.ListByOutcome(ctx, model.DepositUnrouted)
	if err != nil {
		return nil, err
	}
	if r.isOperator(callerID) {
		if records == nil {
			records = []model.WebhookDeposit{}
		}
		return records, nil
	}

	visible := []model.WebhookDeposit{}
	admin := make(map[string]bool)
	for _, rec := range records {
		tag := Resolve(rec.Content)
		if !tag.Recognized() {
			continue
		}
		ok, seen := admin[tag.WalletID]
		if !seen {
			ok, err = r.administers(ctx, tag.WalletID, callerID)
			if err != nil {
				return nil, err
			}
			admin[tag.WalletID] = ok
		}
		if ok {
			visible = append(visible, rec)
		}
	}
	return visible, nil
}

func (r *Reconciler) administers(ctx context.Context, walletID, userID string) (bool, error) {
	_, err := r.fund.Authorize(ctx, walletID, userID, model.RoleAdmin)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fund.ErrForbidden), errors.Is(err, fund.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Route credits an unrouted deposit to walletID. Operators may route any
// record to any wallet. A wallet admin may route a record only into the
// wallet its memo names. The record is marked processed in the same
// transaction, so a deposit can be routed once.
func (r *Reconciler) Route(ctx context.Context, recordID, walletID, callerID string) (*model.Transaction, error) {
	rec, err := r.deposits.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: deposit %s not found", fund.ErrNotFound, recordID)
	}
	if !r.isOperator(callerID) {
		if tag := Resolve(rec.Content); !tag.Recognized() || tag.WalletID != walletID {
			return nil, fmt.Errorf("%w: only an operator may route this deposit to %s", fund.ErrForbidden, walletID)
		}
		if _, err := r.fund.Authorize(ctx, walletID, callerID, model.RoleAdmin); err != nil {
			return nil, err
		}
	}
	if rec.Outcome != model.DepositUnrouted {
		return nil, fmt.Errorf("%w: deposit is %s", fund.ErrConflict, rec.Outcome)
	}
	wallet, err := r.wallets.GetByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, fmt.Errorf("%w: wallet %s not found", fund.ErrNotFound, walletID)
	}

	externalRef := strconv.FormatInt(rec.ExternalID, 10)
	var reference *string
	if rec.ReferenceCode != "" {
		reference = &rec.ReferenceCode
	}
	tx, err := r.fund.Credit(ctx, fund.CreditRequest{
		WalletID:     walletID,
		Amount:       rec.Amount,
		Type:         model.TxDeposit,
		Description:  rec.Content,
		Counterparty: rec.Gateway,
		ExternalRef:  &externalRef,
		Reference:    reference,
		CreatedBy:    callerID,
	}, func(ctx context.Context, sqlTx *sql.Tx, t *model.Transaction) error {
		ok, err := r.deposits.WithTx(sqlTx).MarkRouted(ctx, rec.ID, wallet.Kind, walletID, t.ID, r.now())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: deposit was routed concurrently", fund.ErrConflict)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("deposit routed", "record_id", rec.ID, "wallet_id", walletID, "transaction_id", tx.ID, "routed_by", callerID)
	return tx, nil
}

// Prune deletes processed records older than the retention window, archiving
// them first when an archiver is configured. Retention must outlast the
// gateway's retry horizon or a late retry would be applied again.
func (r *Reconciler) Prune(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.cfg.Retention)
	records, err := r.deposits.ListProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	if r.archiver != nil {
		name := fmt.Sprintf("webhook-deposits-%s.jsonl", r.now().Format("20060102-150405"))
		if err := r.archiver.Archive(ctx, name, records); err != nil {
			return 0, fmt.Errorf("archive deposits: %w", err)
		}
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	n, err := r.deposits.DeleteByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	r.logger.Info("pruned webhook deposits", "count", n, "cutoff", cutoff)
	return n, nil
}
