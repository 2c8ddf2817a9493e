package main

import (
	"context"
	"net/http"
	"strings"

	"walletwatch-backend/lib/browser"
	"walletwatch-backend/lib/configutil"
	"walletwatch-backend/lib/scrapers/amazonpay"
	"walletwatch-backend/lib/scrapers/spdcl"
	"walletwatch-backend/services/keychain"
	"walletwatch-backend/services/refresh"
	"walletwatch-backend/services/refresh/db"

	"github.com/dgraph-io/badger/v4"
)

type RefreshConfig struct {
	Database string `json:"database"`
	// badger directory holding per-entity browser session state
	StateDir string `json:"state_dir"`

	// non-headless mode keeps the browser window visible so a human can
	// clear 2FA/captcha challenges by hand
	Headless          bool   `json:"headless"`
	BrowserExecutable string `json:"browser_executable"`

	// duration strings: "90s", "30m", or a bare number of seconds
	WalletCooldown     string `json:"wallet_cooldown"`
	BillCooldown       string `json:"bill_cooldown"`
	StaleLockThreshold string `json:"stale_lock_threshold"`

	WalletDailyQuota int64 `json:"wallet_daily_quota"`
	BillDailyQuota   int64 `json:"bill_daily_quota"`

	// comma separated, matched case-insensitively
	PrivilegedEmails string `json:"privileged_emails"`

	BillPortalUrl  string `json:"bill_portal_url"`
	BillDataApiUrl string `json:"bill_data_api_url"`
}

func InitRefresh(ctx context.Context, cfg RefreshConfig, creds keychain.Service) (http.Handler, error) {
	database, err := openSqlite(cfg.Database, db.Schema)
	if err != nil {
		return nil, err
	}

	badgerDb, err := badger.Open(badger.DefaultOptions(cfg.StateDir))
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		badgerDb.Close()
	}()

	walletCooldown, err := configutil.ParseDuration(cfg.WalletCooldown)
	if err != nil {
		return nil, err
	}
	billCooldown, err := configutil.ParseDuration(cfg.BillCooldown)
	if err != nil {
		return nil, err
	}
	staleThreshold, err := configutil.ParseDuration(cfg.StaleLockThreshold)
	if err != nil {
		return nil, err
	}

	browserCfg := browser.Config{
		Headless:       cfg.Headless,
		ExecutablePath: cfg.BrowserExecutable,
	}

	wallet := amazonpay.NewClient(amazonpay.ClientOptions{
		Browser: browserCfg,
	})
	bills, err := spdcl.NewClient(spdcl.ClientOptions{
		Browser:    browserCfg,
		PortalUrl:  cfg.BillPortalUrl,
		DataApiUrl: cfg.BillDataApiUrl,
	})
	if err != nil {
		return nil, err
	}

	var privileged []string
	for _, email := range strings.Split(cfg.PrivilegedEmails, ",") {
		email = strings.TrimSpace(email)
		if email != "" {
			privileged = append(privileged, email)
		}
	}

	service := refresh.NewService(database, refresh.Dependencies{
		States:      browser.NewStateStore(badgerDb),
		Wallet:      wallet,
		Bills:       bills,
		Validator:   bills,
		Credentials: creds,
	}, refresh.Config{
		WalletCooldown:     walletCooldown,
		BillCooldown:       billCooldown,
		StaleLockThreshold: staleThreshold,
		WalletDailyQuota:   cfg.WalletDailyQuota,
		BillDailyQuota:     cfg.BillDailyQuota,
		PrivilegedEmails:   privileged,
	})

	return service.Router(), nil
}
