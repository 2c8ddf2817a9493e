package main

import (
	"walletwatch-backend/services/keychain"
	"walletwatch-backend/services/keychain/db"
)

type KeychainConfig struct {
	Database string `json:"database"`
	// base64 encoded 32 byte secretbox key
	SecretKey string `json:"secret_key"`
}

func InitKeychain(cfg KeychainConfig) (keychain.Service, error) {
	database, err := openSqlite(cfg.Database, db.Schema)
	if err != nil {
		return keychain.Service{}, err
	}
	return keychain.NewService(database, cfg.SecretKey)
}
