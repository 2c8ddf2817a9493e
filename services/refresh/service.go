package refresh

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"walletwatch-backend/lib/browser"
	"walletwatch-backend/lib/currency"
	"walletwatch-backend/lib/scrapers/amazonpay"
	"walletwatch-backend/lib/scrapers/spdcl"
	"walletwatch-backend/lib/timezone"
	"walletwatch-backend/services/keychain"
	"walletwatch-backend/services/refresh/db"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("services/refresh")

type Kind string

const (
	KindWallet Kind = "wallet"
	KindBill   Kind = "bill"
)

type WalletFetcher interface {
	FetchBalance(ctx context.Context, req amazonpay.Request) (amazonpay.Balance, error)
}

type BillFetcher interface {
	FetchBill(ctx context.Context, req spdcl.Request) (spdcl.Bill, error)
}

type ServiceValidator interface {
	PrevalidateServiceNumber(ctx context.Context, serviceNumber string) (spdcl.PrevalidationStatus, error)
}

type CredentialSource interface {
	GetUsernamePassword(ctx context.Context, namespace, id string) (*keychain.UsernamePasswordKey, error)
}

type Config struct {
	WalletCooldown     time.Duration
	BillCooldown       time.Duration
	StaleLockThreshold time.Duration
	// daily refresh calls allowed per user, per kind. zero or negative
	// disables the quota.
	WalletDailyQuota int64
	BillDailyQuota   int64
	PrivilegedEmails []string
}

// IsPrivileged is the single bypass predicate: every lock, cooldown and
// quota check consults this and nothing else.
func (c Config) IsPrivileged(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, allowed := range c.PrivilegedEmails {
		if strings.ToLower(strings.TrimSpace(allowed)) == email {
			return true
		}
	}
	return false
}

type Dependencies struct {
	States      browser.StateStore
	Wallet      WalletFetcher
	Bills       BillFetcher
	Validator   ServiceValidator
	Credentials CredentialSource
}

type Service struct {
	db        *sql.DB
	qry       *db.Queries
	states    browser.StateStore
	wallet    WalletFetcher
	bills     BillFetcher
	validator ServiceValidator
	creds     CredentialSource
	config    Config

	now func() time.Time
}

func NewService(database *sql.DB, deps Dependencies, config Config) Service {
	return Service{
		db:        database,
		qry:       db.New(database),
		states:    deps.States,
		wallet:    deps.Wallet,
		bills:     deps.Bills,
		validator: deps.Validator,
		creds:     deps.Credentials,
		config:    config,
		now:       timezone.Now,
	}
}

type BillPayload struct {
	CustomerName     string     `json:"customerName"`
	BillDate         *time.Time `json:"billDate"`
	DueDate          *time.Time `json:"dueDate"`
	AmountDue        float64    `json:"amountDue"`
	BilledUnits      float64    `json:"billedUnits"`
	LastThreeAmounts []float64  `json:"lastThreeAmounts"`
	Status           string     `json:"status"`
	IsPaid           bool       `json:"isPaid"`
	PaidDate         *time.Time `json:"paidDate,omitempty"`
	ReceiptNumber    string     `json:"receiptNumber,omitempty"`
	PaidAmount       float64    `json:"paidAmount,omitempty"`
}

type RefreshResult struct {
	EntityID string `json:"entityId"`
	Kind     Kind   `json:"kind"`

	// wallet payload
	Amount   float64 `json:"amount,omitempty"`
	Currency string  `json:"currency,omitempty"`

	// bill payload
	Bill *BillPayload `json:"bill,omitempty"`

	Timestamp int64 `json:"timestamp"`
}

// Refresh runs the full pipeline for one entity: quota, lock/cooldown,
// scrape, persist, release. rejections happen before any browser
// resource is allocated.
func (s Service) Refresh(ctx context.Context, identity, entityId string) (RefreshResult, error) {
	ctx, span := tracer.Start(ctx, "Refresh")
	defer span.End()
	span.SetAttributes(
		attribute.String("identity", identity),
		attribute.String("entity", entityId),
	)

	kind, err := s.resolveKind(ctx, entityId)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return RefreshResult{}, err
	}
	span.SetAttributes(attribute.String("kind", string(kind)))

	privileged := s.config.IsPrivileged(identity)
	if !privileged {
		err := s.consumeQuota(ctx, identity, kind)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return RefreshResult{}, err
		}
	}

	result, err := s.refreshEntity(ctx, kind, entityId, privileged)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RefreshResult{}, err
	}
	return result, nil
}

func (s Service) resolveKind(ctx context.Context, entityId string) (Kind, error) {
	_, err := s.qry.GetWalletAccount(ctx, entityId)
	if err == nil {
		return KindWallet, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	_, err = s.qry.GetBillableService(ctx, entityId)
	if err == nil {
		return KindBill, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	return "", ErrEntityNotFound
}

func (s Service) refreshEntity(ctx context.Context, kind Kind, entityId string, privileged bool) (RefreshResult, error) {
	switch kind {
	case KindWallet:
		return s.refreshWallet(ctx, entityId, privileged)
	case KindBill:
		return s.refreshBill(ctx, entityId, privileged)
	}
	return RefreshResult{}, fmt.Errorf("unknown entity kind %q", kind)
}

func (s Service) refreshWallet(ctx context.Context, accountId string, privileged bool) (RefreshResult, error) {
	ctx, span := tracer.Start(ctx, "refreshWallet")
	defer span.End()
	span.SetAttributes(attribute.String("account", accountId))

	account, err := s.qry.GetWalletAccount(ctx, accountId)
	if err == sql.ErrNoRows {
		return RefreshResult{}, ErrEntityNotFound
	}
	if err != nil {
		return RefreshResult{}, err
	}

	err = s.acquireWalletLock(ctx, account, privileged)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return RefreshResult{}, err
	}

	money, err := s.scrapeWallet(ctx, account)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		relErr := s.qry.ReleaseWalletFailure(ctx, db.ReleaseWalletFailureParams{
			LastError: err.Error(),
			ID:        account.ID,
		})
		if relErr != nil {
			slog.ErrorContext(ctx, "failed to release wallet lock after failure",
				"account", account.ID, "err", relErr)
		}
		return RefreshResult{}, err
	}

	observedAt := s.now()
	err = s.qry.ReleaseWalletSuccess(ctx, db.ReleaseWalletSuccessParams{
		LastAmount:    money.Amount,
		LastCurrency:  money.Currency,
		NextAllowedAt: observedAt.Add(s.config.WalletCooldown).Unix(),
		ID:            account.ID,
	})
	if err != nil {
		return RefreshResult{}, err
	}
	err = s.qry.CreateBalanceSnapshot(ctx, db.CreateBalanceSnapshotParams{
		AccountID:  account.ID,
		Amount:     money.Amount,
		Currency:   money.Currency,
		ObservedAt: observedAt.Unix(),
	})
	if err != nil {
		return RefreshResult{}, err
	}

	slog.InfoContext(ctx, "wallet refreshed",
		"account", account.ID, "currency", money.Currency, "amount", money.Amount)

	return RefreshResult{
		EntityID:  account.ID,
		Kind:      KindWallet,
		Amount:    money.Amount,
		Currency:  money.Currency,
		Timestamp: observedAt.Unix(),
	}, nil
}

func (s Service) scrapeWallet(ctx context.Context, account db.WalletAccount) (currency.Money, error) {
	key, err := s.creds.GetUsernamePassword(ctx, "amazonpay", account.ID)
	if err != nil {
		return currency.Money{}, err
	}
	if key == nil {
		return currency.Money{}, ErrNoCredential
	}

	seed, err := s.states.Get(ctx, account.ID)
	if err != nil {
		// a lost seed only costs an extra login
		slog.WarnContext(ctx, "failed to load session state, starting cold",
			"account", account.ID, "err", err)
	}

	balance, scrapeErr := s.wallet.FetchBalance(ctx, amazonpay.Request{
		Region:       account.Region,
		Email:        key.Username,
		Password:     key.Password,
		StorageState: seed,
	})

	// the post-scrape session state is persisted on every outcome path,
	// so the next attempt can skip the login even if this one failed to
	// extract an amount
	if len(balance.StorageState) > 0 {
		err := s.states.Set(ctx, account.ID, balance.StorageState)
		if err != nil {
			slog.WarnContext(ctx, "failed to persist session state",
				"account", account.ID, "err", err)
		}
	}

	return balance.Money, scrapeErr
}

func (s Service) refreshBill(ctx context.Context, serviceNumber string, privileged bool) (RefreshResult, error) {
	ctx, span := tracer.Start(ctx, "refreshBill")
	defer span.End()
	span.SetAttributes(attribute.String("service_number", serviceNumber))

	service, err := s.qry.GetBillableService(ctx, serviceNumber)
	if err == sql.ErrNoRows {
		return RefreshResult{}, ErrEntityNotFound
	}
	if err != nil {
		return RefreshResult{}, err
	}

	err = s.acquireServiceLock(ctx, service, privileged)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return RefreshResult{}, err
	}

	bill, err := s.bills.FetchBill(ctx, spdcl.Request{ServiceNumber: serviceNumber})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		relErr := s.qry.ReleaseServiceFailure(ctx, db.ReleaseServiceFailureParams{
			LastError:     err.Error(),
			ServiceNumber: serviceNumber,
		})
		if relErr != nil {
			slog.ErrorContext(ctx, "failed to release service lock after failure",
				"service_number", serviceNumber, "err", relErr)
		}
		return RefreshResult{}, err
	}

	amounts := rollAmounts(bill, service.LastAmounts)
	observedAt := s.now()
	err = s.qry.ReleaseServiceSuccess(ctx, db.ReleaseServiceSuccessParams{
		CustomerName:  bill.CustomerName,
		BillDate:      nullUnix(bill.BillDate),
		DueDate:       nullUnix(bill.DueDate),
		AmountDue:     bill.AmountDue,
		BilledUnits:   bill.BilledUnits,
		Status:        string(bill.Status),
		IsPaid:        boolToInt(bill.IsPaid),
		PaidDate:      nullUnix(bill.PaidDate),
		ReceiptNumber: bill.ReceiptNumber,
		PaidAmount:    bill.PaidAmount,
		LastAmounts:   marshalAmounts(amounts),
		NextAllowedAt: observedAt.Add(s.config.BillCooldown).Unix(),
		ServiceNumber: serviceNumber,
	})
	if err != nil {
		return RefreshResult{}, err
	}

	slog.InfoContext(ctx, "bill refreshed",
		"service_number", serviceNumber, "status", bill.Status, "amount_due", bill.AmountDue)

	return RefreshResult{
		EntityID: serviceNumber,
		Kind:     KindBill,
		Bill: &BillPayload{
			CustomerName:     bill.CustomerName,
			BillDate:         bill.BillDate,
			DueDate:          bill.DueDate,
			AmountDue:        bill.AmountDue,
			BilledUnits:      bill.BilledUnits,
			LastThreeAmounts: amounts,
			Status:           string(bill.Status),
			IsPaid:           bill.IsPaid,
			PaidDate:         bill.PaidDate,
			ReceiptNumber:    bill.ReceiptNumber,
			PaidAmount:       bill.PaidAmount,
		},
		Timestamp: observedAt.Unix(),
	}, nil
}

// ValidateService gates new service registrations on the provider's own
// data API, so a number the provider will never return data for is
// rejected before it is stored.
func (s Service) ValidateService(ctx context.Context, serviceNumber string) (spdcl.PrevalidationStatus, error) {
	ctx, span := tracer.Start(ctx, "ValidateService")
	defer span.End()
	span.SetAttributes(attribute.String("service_number", serviceNumber))

	status, err := s.validator.PrevalidateServiceNumber(ctx, serviceNumber)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return status, err
}

// rollAmounts keeps the three-amount trend window moving even when the
// portal page doesn't render a history section: the newly observed
// amount is pushed onto the previous window.
func rollAmounts(bill spdcl.Bill, previous string) []float64 {
	if len(bill.LastThreeAmounts) > 0 {
		return bill.LastThreeAmounts
	}
	if bill.AmountDue <= 0 {
		return unmarshalAmounts(previous)
	}

	amounts := append([]float64{bill.AmountDue}, unmarshalAmounts(previous)...)
	if len(amounts) > 3 {
		amounts = amounts[:3]
	}
	return amounts
}

func marshalAmounts(amounts []float64) string {
	if amounts == nil {
		amounts = []float64{}
	}
	raw, err := json.Marshal(amounts)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func unmarshalAmounts(raw string) []float64 {
	var amounts []float64
	err := json.Unmarshal([]byte(raw), &amounts)
	if err != nil {
		return nil
	}
	return amounts
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// IsControlFlowRejection reports whether an error is an admission
// rejection rather than a scrape defect. rejections never set
// last_error and never cost the entity its cooldown window.
func IsControlFlowRejection(err error) bool {
	var cooldown CooldownActiveError
	var quota QuotaExceededError
	return errors.Is(err, ErrAlreadyRefreshing) ||
		errors.As(err, &cooldown) ||
		errors.As(err, &quota)
}
