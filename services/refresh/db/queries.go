package db

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type WalletAccount struct {
	ID                string
	UserEmail         string
	Region            string
	LastAmount        sql.NullFloat64
	LastCurrency      sql.NullString
	RefreshInProgress int64
	LockedAt          int64
	NextAllowedAt     int64
	LastError         sql.NullString
}

type BillableService struct {
	ServiceNumber     string
	UserEmail         string
	CustomerName      string
	BillDate          sql.NullInt64
	DueDate           sql.NullInt64
	AmountDue         float64
	BilledUnits       float64
	Status            string
	IsPaid            int64
	PaidDate          sql.NullInt64
	ReceiptNumber     string
	PaidAmount        float64
	LastAmounts       string
	RefreshInProgress int64
	LockedAt          int64
	NextAllowedAt     int64
	LastError         sql.NullString
}

type BalanceSnapshot struct {
	ID         int64
	AccountID  string
	Amount     float64
	Currency   string
	ObservedAt int64
}

type CreateWalletAccountParams struct {
	ID        string
	UserEmail string
	Region    string
}

const createWalletAccount = `
INSERT INTO wallet_accounts (id, user_email, region) VALUES (?, ?, ?)
`

func (q *Queries) CreateWalletAccount(ctx context.Context, arg CreateWalletAccountParams) error {
	_, err := q.db.ExecContext(ctx, createWalletAccount, arg.ID, arg.UserEmail, arg.Region)
	return err
}

const getWalletAccount = `
SELECT id, user_email, region, last_amount, last_currency,
    refresh_in_progress, locked_at, next_allowed_at, last_error
FROM wallet_accounts WHERE id = ?
`

func (q *Queries) GetWalletAccount(ctx context.Context, id string) (WalletAccount, error) {
	row := q.db.QueryRowContext(ctx, getWalletAccount, id)
	var out WalletAccount
	err := row.Scan(
		&out.ID, &out.UserEmail, &out.Region, &out.LastAmount, &out.LastCurrency,
		&out.RefreshInProgress, &out.LockedAt, &out.NextAllowedAt, &out.LastError,
	)
	return out, err
}

const listWalletAccounts = `
SELECT id, user_email, region, last_amount, last_currency,
    refresh_in_progress, locked_at, next_allowed_at, last_error
FROM wallet_accounts WHERE user_email = ? ORDER BY id
`

func (q *Queries) ListWalletAccounts(ctx context.Context, userEmail string) ([]WalletAccount, error) {
	rows, err := q.db.QueryContext(ctx, listWalletAccounts, userEmail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WalletAccount
	for rows.Next() {
		var a WalletAccount
		err := rows.Scan(
			&a.ID, &a.UserEmail, &a.Region, &a.LastAmount, &a.LastCurrency,
			&a.RefreshInProgress, &a.LockedAt, &a.NextAllowedAt, &a.LastError,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type AcquireWalletLockParams struct {
	LockedAt    int64
	ID          string
	StaleBefore int64
}

// acquire lock iff currently free, or the holder went stale. a single
// conditional update so two racing requests can never both win.
const acquireWalletLock = `
UPDATE wallet_accounts SET refresh_in_progress = 1, locked_at = ?1
WHERE id = ?2 AND (refresh_in_progress = 0 OR locked_at < ?3)
`

func (q *Queries) AcquireWalletLock(ctx context.Context, arg AcquireWalletLockParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, acquireWalletLock, arg.LockedAt, arg.ID, arg.StaleBefore)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type ForceWalletLockParams struct {
	LockedAt int64
	ID       string
}

const forceWalletLock = `
UPDATE wallet_accounts SET refresh_in_progress = 1, locked_at = ?1 WHERE id = ?2
`

func (q *Queries) ForceWalletLock(ctx context.Context, arg ForceWalletLockParams) error {
	_, err := q.db.ExecContext(ctx, forceWalletLock, arg.LockedAt, arg.ID)
	return err
}

type ReleaseWalletSuccessParams struct {
	LastAmount    float64
	LastCurrency  string
	NextAllowedAt int64
	ID            string
}

const releaseWalletSuccess = `
UPDATE wallet_accounts
SET refresh_in_progress = 0, last_amount = ?1, last_currency = ?2,
    next_allowed_at = ?3, last_error = NULL
WHERE id = ?4
`

func (q *Queries) ReleaseWalletSuccess(ctx context.Context, arg ReleaseWalletSuccessParams) error {
	_, err := q.db.ExecContext(ctx, releaseWalletSuccess,
		arg.LastAmount, arg.LastCurrency, arg.NextAllowedAt, arg.ID)
	return err
}

type ReleaseWalletFailureParams struct {
	LastError string
	ID        string
}

const releaseWalletFailure = `
UPDATE wallet_accounts SET refresh_in_progress = 0, last_error = ?1 WHERE id = ?2
`

func (q *Queries) ReleaseWalletFailure(ctx context.Context, arg ReleaseWalletFailureParams) error {
	_, err := q.db.ExecContext(ctx, releaseWalletFailure, arg.LastError, arg.ID)
	return err
}

type CreateBalanceSnapshotParams struct {
	AccountID  string
	Amount     float64
	Currency   string
	ObservedAt int64
}

const createBalanceSnapshot = `
INSERT INTO balance_snapshots (account_id, amount, currency, observed_at) VALUES (?, ?, ?, ?)
`

func (q *Queries) CreateBalanceSnapshot(ctx context.Context, arg CreateBalanceSnapshotParams) error {
	_, err := q.db.ExecContext(ctx, createBalanceSnapshot,
		arg.AccountID, arg.Amount, arg.Currency, arg.ObservedAt)
	return err
}

const getBalanceSnapshots = `
SELECT id, account_id, amount, currency, observed_at FROM balance_snapshots
WHERE account_id = ? ORDER BY observed_at
`

func (q *Queries) GetBalanceSnapshots(ctx context.Context, accountId string) ([]BalanceSnapshot, error) {
	rows, err := q.db.QueryContext(ctx, getBalanceSnapshots, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceSnapshot
	for rows.Next() {
		var s BalanceSnapshot
		err := rows.Scan(&s.ID, &s.AccountID, &s.Amount, &s.Currency, &s.ObservedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type CreateBillableServiceParams struct {
	ServiceNumber string
	UserEmail     string
}

const createBillableService = `
INSERT INTO billable_services (service_number, user_email) VALUES (?, ?)
`

func (q *Queries) CreateBillableService(ctx context.Context, arg CreateBillableServiceParams) error {
	_, err := q.db.ExecContext(ctx, createBillableService, arg.ServiceNumber, arg.UserEmail)
	return err
}

const getBillableService = `
SELECT service_number, user_email, customer_name, bill_date, due_date,
    amount_due, billed_units, status, is_paid, paid_date, receipt_number,
    paid_amount, last_amounts, refresh_in_progress, locked_at,
    next_allowed_at, last_error
FROM billable_services WHERE service_number = ?
`

func (q *Queries) GetBillableService(ctx context.Context, serviceNumber string) (BillableService, error) {
	row := q.db.QueryRowContext(ctx, getBillableService, serviceNumber)
	var out BillableService
	err := row.Scan(
		&out.ServiceNumber, &out.UserEmail, &out.CustomerName, &out.BillDate, &out.DueDate,
		&out.AmountDue, &out.BilledUnits, &out.Status, &out.IsPaid, &out.PaidDate,
		&out.ReceiptNumber, &out.PaidAmount, &out.LastAmounts, &out.RefreshInProgress,
		&out.LockedAt, &out.NextAllowedAt, &out.LastError,
	)
	return out, err
}

const listBillableServices = `
SELECT service_number, user_email, customer_name, bill_date, due_date,
    amount_due, billed_units, status, is_paid, paid_date, receipt_number,
    paid_amount, last_amounts, refresh_in_progress, locked_at,
    next_allowed_at, last_error
FROM billable_services WHERE user_email = ? ORDER BY service_number
`

func (q *Queries) ListBillableServices(ctx context.Context, userEmail string) ([]BillableService, error) {
	rows, err := q.db.QueryContext(ctx, listBillableServices, userEmail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BillableService
	for rows.Next() {
		var s BillableService
		err := rows.Scan(
			&s.ServiceNumber, &s.UserEmail, &s.CustomerName, &s.BillDate, &s.DueDate,
			&s.AmountDue, &s.BilledUnits, &s.Status, &s.IsPaid, &s.PaidDate,
			&s.ReceiptNumber, &s.PaidAmount, &s.LastAmounts, &s.RefreshInProgress,
			&s.LockedAt, &s.NextAllowedAt, &s.LastError,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type AcquireServiceLockParams struct {
	LockedAt      int64
	ServiceNumber string
	StaleBefore   int64
}

const acquireServiceLock = `
UPDATE billable_services SET refresh_in_progress = 1, locked_at = ?1
WHERE service_number = ?2 AND (refresh_in_progress = 0 OR locked_at < ?3)
`

func (q *Queries) AcquireServiceLock(ctx context.Context, arg AcquireServiceLockParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, acquireServiceLock,
		arg.LockedAt, arg.ServiceNumber, arg.StaleBefore)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type ForceServiceLockParams struct {
	LockedAt      int64
	ServiceNumber string
}

const forceServiceLock = `
UPDATE billable_services SET refresh_in_progress = 1, locked_at = ?1 WHERE service_number = ?2
`

func (q *Queries) ForceServiceLock(ctx context.Context, arg ForceServiceLockParams) error {
	_, err := q.db.ExecContext(ctx, forceServiceLock, arg.LockedAt, arg.ServiceNumber)
	return err
}

type ReleaseServiceSuccessParams struct {
	CustomerName  string
	BillDate      sql.NullInt64
	DueDate       sql.NullInt64
	AmountDue     float64
	BilledUnits   float64
	Status        string
	IsPaid        int64
	PaidDate      sql.NullInt64
	ReceiptNumber string
	PaidAmount    float64
	LastAmounts   string
	NextAllowedAt int64
	ServiceNumber string
}

const releaseServiceSuccess = `
UPDATE billable_services
SET refresh_in_progress = 0, customer_name = ?1, bill_date = ?2, due_date = ?3,
    amount_due = ?4, billed_units = ?5, status = ?6, is_paid = ?7,
    paid_date = ?8, receipt_number = ?9, paid_amount = ?10, last_amounts = ?11,
    next_allowed_at = ?12, last_error = NULL
WHERE service_number = ?13
`

func (q *Queries) ReleaseServiceSuccess(ctx context.Context, arg ReleaseServiceSuccessParams) error {
	_, err := q.db.ExecContext(ctx, releaseServiceSuccess,
		arg.CustomerName, arg.BillDate, arg.DueDate, arg.AmountDue, arg.BilledUnits,
		arg.Status, arg.IsPaid, arg.PaidDate, arg.ReceiptNumber, arg.PaidAmount,
		arg.LastAmounts, arg.NextAllowedAt, arg.ServiceNumber)
	return err
}

type ReleaseServiceFailureParams struct {
	LastError     string
	ServiceNumber string
}

const releaseServiceFailure = `
UPDATE billable_services SET refresh_in_progress = 0, last_error = ?1 WHERE service_number = ?2
`

func (q *Queries) ReleaseServiceFailure(ctx context.Context, arg ReleaseServiceFailureParams) error {
	_, err := q.db.ExecContext(ctx, releaseServiceFailure, arg.LastError, arg.ServiceNumber)
	return err
}

type IncrementQuotaParams struct {
	UserEmail string
	Day       string
	Kind      string
	Limit     int64
}

// counts one refresh call against the day bucket, but only while the
// bucket is under the limit. zero rows affected means the quota is spent.
const incrementQuota = `
INSERT INTO refresh_quota (user_email, day, kind, count) VALUES (?1, ?2, ?3, 1)
ON CONFLICT (user_email, day, kind) DO UPDATE SET count = count + 1
WHERE refresh_quota.count < ?4
`

func (q *Queries) IncrementQuota(ctx context.Context, arg IncrementQuotaParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, incrementQuota,
		arg.UserEmail, arg.Day, arg.Kind, arg.Limit)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type GetQuotaCountParams struct {
	UserEmail string
	Day       string
	Kind      string
}

const getQuotaCount = `
SELECT count FROM refresh_quota WHERE user_email = ? AND day = ? AND kind = ?
`

func (q *Queries) GetQuotaCount(ctx context.Context, arg GetQuotaCountParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, getQuotaCount, arg.UserEmail, arg.Day, arg.Kind)
	var count int64
	err := row.Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}
