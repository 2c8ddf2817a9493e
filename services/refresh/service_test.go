package refresh

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"walletwatch-backend/lib/browser"
	"walletwatch-backend/lib/currency"
	"walletwatch-backend/lib/scrapers/amazonpay"
	"walletwatch-backend/lib/scrapers/spdcl"
	"walletwatch-backend/lib/telemetry"
	"walletwatch-backend/lib/timezone"
	"walletwatch-backend/services/keychain"
	"walletwatch-backend/services/refresh/db"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

const (
	testUser  = "user@example.com"
	testAdmin = "admin@example.com"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeWallet struct {
	mu      sync.Mutex
	calls   int
	balance amazonpay.Balance
	errFor  map[string]error

	// when set, FetchBalance signals started then blocks until release
	// is closed
	started chan struct{}
	release chan struct{}
}

func (f *fakeWallet) FetchBalance(ctx context.Context, req amazonpay.Request) (amazonpay.Balance, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}

	if err, ok := f.errFor[req.Email]; ok {
		// a failed extraction still hands back the session state
		return amazonpay.Balance{StorageState: f.balance.StorageState}, err
	}
	return f.balance, nil
}

func (f *fakeWallet) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBills struct {
	mu    sync.Mutex
	calls int
	bill  spdcl.Bill
	err   error
}

func (f *fakeBills) FetchBill(ctx context.Context, req spdcl.Request) (spdcl.Bill, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.err != nil {
		return spdcl.Bill{}, f.err
	}
	return f.bill, nil
}

type fakeValidator struct {
	status spdcl.PrevalidationStatus
	err    error
}

func (f fakeValidator) PrevalidateServiceNumber(ctx context.Context, serviceNumber string) (spdcl.PrevalidationStatus, error) {
	return f.status, f.err
}

type fakeCreds struct {
	missing bool
}

func (f fakeCreds) GetUsernamePassword(ctx context.Context, namespace, id string) (*keychain.UsernamePasswordKey, error) {
	if f.missing {
		return nil, nil
	}
	return &keychain.UsernamePasswordKey{
		Username: id + "@logins.example.com",
		Password: "pw",
	}, nil
}

type fixture struct {
	service Service
	sqlite  *sql.DB
	qry     *db.Queries
	wallet  *fakeWallet
	bills   *fakeBills
	clock   *fakeClock
}

func testConfig() Config {
	return Config{
		WalletCooldown:     time.Minute * 10,
		BillCooldown:       time.Minute * 30,
		StaleLockThreshold: time.Minute * 10,
		WalletDailyQuota:   100,
		BillDailyQuota:     100,
		PrivilegedEmails:   []string{"Admin@Example.com"},
	}
}

func setupService(t *testing.T, config Config) *fixture {
	cleanup := telemetry.SetupForTesting(t, "test:services/refresh")
	t.Cleanup(cleanup)

	sqlite, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// a second pool connection to :memory: would see a fresh empty db
	sqlite.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlite.Close() })
	_, err = sqlite.Exec(db.Schema)
	require.NoError(t, err)

	badgerDb, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { badgerDb.Close() })

	wallet := &fakeWallet{
		balance: amazonpay.Balance{
			Money:        currency.Money{Currency: "INR", Amount: 1234.56},
			StorageState: []byte(`{"cookies":[]}`),
		},
	}
	bills := &fakeBills{
		bill: spdcl.Bill{
			CustomerName: "R SRINIVAS",
			AmountDue:    1240,
			BilledUnits:  183,
			Status:       spdcl.StatusDue,
		},
	}

	clock := &fakeClock{
		t: time.Date(2024, 7, 19, 10, 0, 0, 0, timezone.Location),
	}

	service := NewService(sqlite, Dependencies{
		States:      browser.NewStateStore(badgerDb),
		Wallet:      wallet,
		Bills:       bills,
		Validator:   fakeValidator{status: spdcl.PrevalidationOK},
		Credentials: fakeCreds{},
	}, config)
	service.now = clock.Now

	return &fixture{
		service: service,
		sqlite:  sqlite,
		qry:     db.New(sqlite),
		wallet:  wallet,
		bills:   bills,
		clock:   clock,
	}
}

func (f *fixture) createWallet(t *testing.T, id string) {
	err := f.qry.CreateWalletAccount(context.Background(), db.CreateWalletAccountParams{
		ID:        id,
		UserEmail: testUser,
		Region:    "in",
	})
	require.NoError(t, err)
}

func (f *fixture) createService(t *testing.T, serviceNumber string) {
	err := f.qry.CreateBillableService(context.Background(), db.CreateBillableServiceParams{
		ServiceNumber: serviceNumber,
		UserEmail:     testUser,
	})
	require.NoError(t, err)
}

func (f *fixture) exec(t *testing.T, query string, args ...any) {
	_, err := f.sqlite.Exec(query, args...)
	require.NoError(t, err)
}

func (f *fixture) walletRow(t *testing.T, id string) db.WalletAccount {
	row, err := f.qry.GetWalletAccount(context.Background(), id)
	require.NoError(t, err)
	return row
}

func TestWalletRefreshSuccess(t *testing.T) {
	f := setupService(t, testConfig())
	f.createWallet(t, "acct-1")
	ctx := context.Background()

	result, err := f.service.Refresh(ctx, testUser, "acct-1")
	require.NoError(t, err)
	require.Equal(t, KindWallet, result.Kind)
	require.Equal(t, "INR", result.Currency)
	require.Equal(t, 1234.56, result.Amount)

	row := f.walletRow(t, "acct-1")
	require.EqualValues(t, 0, row.RefreshInProgress)
	require.Equal(t, f.clock.Now().Add(time.Minute*10).Unix(), row.NextAllowedAt)
	require.False(t, row.LastError.Valid)
	require.Equal(t, 1234.56, row.LastAmount.Float64)
	require.Equal(t, "INR", row.LastCurrency.String)

	snapshots, err := f.qry.GetBalanceSnapshots(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	require.Equal(t, 1234.56, snapshots[0].Amount)

	state, err := f.service.states.Get(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"cookies":[]}`), state)

	// a second success appends a second snapshot, never mutates the first
	f.clock.Advance(time.Minute * 11)
	_, err = f.service.Refresh(ctx, testUser, "acct-1")
	require.NoError(t, err)

	snapshots, err = f.qry.GetBalanceSnapshots(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
}

func TestWalletRefreshFailure(t *testing.T) {
	f := setupService(t, testConfig())
	f.createWallet(t, "acct-1")
	f.wallet.errFor = map[string]error{
		"acct-1@logins.example.com": fmt.Errorf("%w: nothing matched", amazonpay.ErrParseFailed),
	}
	ctx := context.Background()

	_, err := f.service.Refresh(ctx, testUser, "acct-1")
	require.ErrorIs(t, err, amazonpay.ErrParseFailed)

	row := f.walletRow(t, "acct-1")
	require.EqualValues(t, 0, row.RefreshInProgress)
	require.EqualValues(t, 0, row.NextAllowedAt, "a failed attempt must not consume the cooldown window")
	require.True(t, row.LastError.Valid)
	require.Contains(t, row.LastError.String, "nothing matched")

	snapshots, err := f.qry.GetBalanceSnapshots(ctx, "acct-1")
	require.NoError(t, err)
	require.Empty(t, snapshots)

	// session state is still persisted so the next attempt skips login
	state, err := f.service.states.Get(ctx, "acct-1")
	require.NoError(t, err)
	require.NotEmpty(t, state)
}

func TestCooldownRejected(t *testing.T) {
	f := setupService(t, testConfig())
	f.createWallet(t, "acct-1")
	ctx := context.Background()

	_, err := f.service.Refresh(ctx, testUser, "acct-1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute * 4)
	_, err = f.service.Refresh(ctx, testUser, "acct-1")
	var cooldown CooldownActiveError
	require.ErrorAs(t, err, &cooldown)
	require.EqualValues(t, 360, cooldown.RemainingSeconds())
	require.Equal(t, 1, f.wallet.callCount())

	f.clock.Advance(time.Minute * 7)
	_, err = f.service.Refresh(ctx, testUser, "acct-1")
	require.NoError(t, err)
}

func TestConcurrentRefreshRejected(t *testing.T) {
	f := setupService(t, testConfig())
	f.createWallet(t, "acct-1")
	f.wallet.started = make(chan struct{})
	f.wallet.release = make(chan struct{})
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, err := f.service.Refresh(ctx, testUser, "acct-1")
		firstDone <- err
	}()
	<-f.wallet.started

	// second request while the first is mid-scrape: rejected without
	// ever reaching the adapter
	_, err := f.service.Refresh(ctx, testUser, "acct-1")
	require.ErrorIs(t, err, ErrAlreadyRefreshing)
	require.Equal(t, 1, f.wallet.callCount())

	close(f.wallet.release)
	require.NoError(t, <-firstDone)

	row := f.walletRow(t, "acct-1")
	require.EqualValues(t, 0, row.RefreshInProgress)
}

func TestPrivilegedBypass(t *testing.T) {
	f := setupService(t, testConfig())
	f.createWallet(t, "acct-1")
	ctx := context.Background()

	// freshly locked by another in-flight request
	now := f.clock.Now().Unix()
	f.exec(t, `UPDATE wallet_accounts SET refresh_in_progress = 1, locked_at = ? WHERE id = ?`,
		now, "acct-1")

	_, err := f.service.Refresh(ctx, testUser, "acct-1")
	require.ErrorIs(t, err, ErrAlreadyRefreshing)

	// locked and cooling down; the allow-list (matched
	// case-insensitively) bypasses both
	f.exec(t, `UPDATE wallet_accounts SET refresh_in_progress = 1, locked_at = ?, next_allowed_at = ? WHERE id = ?`,
		now, now+3600, "acct-1")
	_, err = f.service.Refresh(ctx, testAdmin, "acct-1")
	require.NoError(t, err)

	row := f.walletRow(t, "acct-1")
	require.EqualValues(t, 0, row.RefreshInProgress)
}

func TestStaleLockReclaimed(t *testing.T) {
	f := setupService(t, testConfig())
	f.createWallet(t, "acct-1")
	ctx := context.Background()

	threshold := testConfig().StaleLockThreshold
	lockedAt := f.clock.Now().Add(-threshold - time.Second).Unix()
	f.exec(t, `UPDATE wallet_accounts SET refresh_in_progress = 1, locked_at = ? WHERE id = ?`,
		lockedAt, "acct-1")

	// a crashed process never cleared the flag: past the threshold the
	// lock is forcibly reclaimed and the refresh proceeds
	_, err := f.service.Refresh(ctx, testUser, "acct-1")
	require.NoError(t, err)

	// within the threshold the holder is presumed alive
	f.clock.Advance(time.Minute * 11)
	lockedAt = f.clock.Now().Add(-threshold + time.Second).Unix()
	f.exec(t, `UPDATE wallet_accounts SET refresh_in_progress = 1, locked_at = ?, next_allowed_at = 0 WHERE id = ?`,
		lockedAt, "acct-1")

	_, err = f.service.Refresh(ctx, testUser, "acct-1")
	require.ErrorIs(t, err, ErrAlreadyRefreshing)
}

func TestDailyQuota(t *testing.T) {
	config := testConfig()
	config.WalletDailyQuota = 2
	f := setupService(t, config)
	f.createWallet(t, "acct-1")
	f.createWallet(t, "acct-2")
	f.createWallet(t, "acct-3")
	ctx := context.Background()

	_, err := f.service.Refresh(ctx, testUser, "acct-1")
	require.NoError(t, err)
	_, err = f.service.Refresh(ctx, testUser, "acct-2")
	require.NoError(t, err)

	_, err = f.service.Refresh(ctx, testUser, "acct-3")
	var exceeded QuotaExceededError
	require.ErrorAs(t, err, &exceeded)
	require.EqualValues(t, 2, exceeded.Limit)
	require.Equal(t,
		time.Date(2024, 7, 20, 0, 0, 0, 0, timezone.Location),
		exceeded.ResetAt)
	require.Equal(t, 2, f.wallet.callCount(), "quota rejection must not reach the adapter")

	// privileged identities are exempt
	_, err = f.service.Refresh(ctx, testAdmin, "acct-3")
	require.NoError(t, err)

	// the bucket resets at the fixed-timezone day boundary
	f.clock.Advance(time.Hour * 24)
	_, err = f.service.Refresh(ctx, testUser, "acct-1")
	require.NoError(t, err)
}

func TestQuotaState(t *testing.T) {
	config := testConfig()
	config.WalletDailyQuota = 5
	f := setupService(t, config)
	f.createWallet(t, "acct-1")
	ctx := context.Background()

	state, err := f.service.QuotaState(ctx, testUser, KindWallet)
	require.NoError(t, err)
	require.True(t, state.Limited)
	require.EqualValues(t, 5, state.Remaining)

	_, err = f.service.Refresh(ctx, testUser, "acct-1")
	require.NoError(t, err)

	state, err = f.service.QuotaState(ctx, testUser, KindWallet)
	require.NoError(t, err)
	require.EqualValues(t, 4, state.Remaining)

	state, err = f.service.QuotaState(ctx, testAdmin, KindWallet)
	require.NoError(t, err)
	require.False(t, state.Limited)
}

func TestBatchIsolatesFailures(t *testing.T) {
	f := setupService(t, testConfig())
	f.createWallet(t, "acct-a")
	f.createWallet(t, "acct-b")
	f.createWallet(t, "acct-c")
	f.wallet.errFor = map[string]error{
		"acct-b@logins.example.com": fmt.Errorf("%w: markup changed", amazonpay.ErrParseFailed),
	}
	ctx := context.Background()

	results, err := f.service.RefreshAll(ctx, testUser, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Equal(t, "acct-a", results[0].EntityID)
	require.NotNil(t, results[0].Result)
	require.Equal(t, "INR", results[0].Result.Currency)

	require.Equal(t, "acct-b", results[1].EntityID)
	require.Nil(t, results[1].Result)
	require.Contains(t, results[1].Error, "markup changed")

	require.Equal(t, "acct-c", results[2].EntityID)
	require.NotNil(t, results[2].Result)

	row := f.walletRow(t, "acct-b")
	require.EqualValues(t, 0, row.RefreshInProgress)
	require.Contains(t, row.LastError.String, "markup changed")

	// an immediate second batch hits every entity's cooldown (and b's
	// untouched one is free), outcomes are per item
	results, err = f.service.RefreshAll(ctx, testUser, MaxBatchSize+10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.True(t, results[0].Skipped)
	require.NotEmpty(t, results[0].Reason)
	require.True(t, results[2].Skipped)
}

func TestBatchMixedKinds(t *testing.T) {
	f := setupService(t, testConfig())
	f.createWallet(t, "acct-1")
	f.createService(t, "116012345678")
	ctx := context.Background()

	results, err := f.service.RefreshAll(ctx, testUser, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Equal(t, KindWallet, results[0].Kind)
	require.NotNil(t, results[0].Result)
	require.Equal(t, KindBill, results[1].Kind)
	require.NotNil(t, results[1].Result)
	require.NotNil(t, results[1].Result.Bill)
	require.Equal(t, "R SRINIVAS", results[1].Result.Bill.CustomerName)
}

func TestBillRefresh(t *testing.T) {
	f := setupService(t, testConfig())
	f.createService(t, "116012345678")
	ctx := context.Background()

	billDate := time.Date(2024, 7, 5, 0, 0, 0, 0, timezone.Location)
	dueDate := time.Date(2024, 7, 19, 0, 0, 0, 0, timezone.Location)
	f.bills.bill = spdcl.Bill{
		CustomerName: "R SRINIVAS",
		BillDate:     &billDate,
		DueDate:      &dueDate,
		AmountDue:    1240,
		BilledUnits:  183,
		Status:       spdcl.StatusDue,
	}

	result, err := f.service.Refresh(ctx, testUser, "116012345678")
	require.NoError(t, err)
	require.Equal(t, KindBill, result.Kind)
	require.NotNil(t, result.Bill)
	require.Equal(t, float64(1240), result.Bill.AmountDue)
	require.Equal(t, []float64{1240}, result.Bill.LastThreeAmounts)

	row, err := f.qry.GetBillableService(ctx, "116012345678")
	require.NoError(t, err)
	require.EqualValues(t, 0, row.RefreshInProgress)
	require.Equal(t, "R SRINIVAS", row.CustomerName)
	require.Equal(t, float64(1240), row.AmountDue)
	require.Equal(t, "DUE", row.Status)
	require.Equal(t, billDate.Unix(), row.BillDate.Int64)
	require.Equal(t, dueDate.Unix(), row.DueDate.Int64)
	require.Equal(t, "[1240]", row.LastAmounts)
	require.Equal(t, f.clock.Now().Add(time.Minute*30).Unix(), row.NextAllowedAt)

	// the trend window rolls forward with each new bill, newest first
	f.clock.Advance(time.Hour)
	f.bills.bill.AmountDue = 1300
	_, err = f.service.Refresh(ctx, testUser, "116012345678")
	require.NoError(t, err)

	row, err = f.qry.GetBillableService(ctx, "116012345678")
	require.NoError(t, err)
	require.Equal(t, "[1300,1240]", row.LastAmounts)
}

func TestBillRefreshFailure(t *testing.T) {
	f := setupService(t, testConfig())
	f.createService(t, "116012345678")
	f.bills.err = spdcl.ErrParseFailed
	ctx := context.Background()

	_, err := f.service.Refresh(ctx, testUser, "116012345678")
	require.ErrorIs(t, err, spdcl.ErrParseFailed)

	row, err := f.qry.GetBillableService(ctx, "116012345678")
	require.NoError(t, err)
	require.EqualValues(t, 0, row.RefreshInProgress)
	require.EqualValues(t, 0, row.NextAllowedAt)
	require.True(t, row.LastError.Valid)
}

func TestRefreshUnknownEntity(t *testing.T) {
	f := setupService(t, testConfig())

	_, err := f.service.Refresh(context.Background(), testUser, "nope")
	require.ErrorIs(t, err, ErrEntityNotFound)
}

func TestRefreshWithoutCredential(t *testing.T) {
	f := setupService(t, testConfig())
	f.createWallet(t, "acct-1")
	f.service.creds = fakeCreds{missing: true}
	ctx := context.Background()

	_, err := f.service.Refresh(ctx, testUser, "acct-1")
	require.ErrorIs(t, err, ErrNoCredential)

	row := f.walletRow(t, "acct-1")
	require.EqualValues(t, 0, row.RefreshInProgress)
	require.True(t, row.LastError.Valid)
}

func TestControlFlowRejections(t *testing.T) {
	require.True(t, IsControlFlowRejection(ErrAlreadyRefreshing))
	require.True(t, IsControlFlowRejection(CooldownActiveError{Remaining: time.Second}))
	require.True(t, IsControlFlowRejection(QuotaExceededError{Limit: 3}))
	require.False(t, IsControlFlowRejection(amazonpay.ErrParseFailed))
	require.False(t, IsControlFlowRejection(errors.New("browser crashed")))
}
