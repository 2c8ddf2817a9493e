package main

import (
	"database/sql"
	"flag"

	"walletwatch-backend/lib/configutil"
	"walletwatch-backend/lib/serviceutil"

	_ "modernc.org/sqlite"
)

type Config struct {
	Port     int            `json:"port"`
	Keychain KeychainConfig `json:"keychain"`
	Refresh  RefreshConfig  `json:"refresh"`
}

func openSqlite(path, schema string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func main() {
	verbose := flag.Bool("v", false, "Enable verbose logging/instrumentation.")
	flag.Parse()

	ctx := serviceutil.SignalContext()

	InitTelemetry(ctx, *verbose)

	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("read config", err)
	}

	keychainService, err := InitKeychain(cfg.Keychain)
	if err != nil {
		serviceutil.Fatal("init keychain", err)
	}
	handler, err := InitRefresh(ctx, cfg.Refresh, keychainService)
	if err != nil {
		serviceutil.Fatal("init refresh", err)
	}

	port := cfg.Port
	if port == 0 {
		port = 8000
	}
	go serviceutil.StartHttpServer(port, handler)
	<-ctx.Done()
}
