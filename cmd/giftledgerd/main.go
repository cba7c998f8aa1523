package main

import (
	"flag"
	"log/slog"
	"os"
	"strings"

	"giftledger/config"
	"giftledger/core"
	"giftledger/crypto"
	"giftledger/integrations/webhooks"
	"giftledger/observability/logging"
	"giftledger/rpc"
	"giftledger/storage"
)

const (
	vaultPassEnv = "GIFT_VAULT_PASS"
	authTokenEnv = "GIFT_RPC_TOKEN"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("GIFT_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := logging.Setup("giftledgerd", env, logging.Options{
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	vaultKey, err := crypto.LoadFromKeystore(cfg.VaultKeystorePath, os.Getenv(vaultPassEnv))
	if err != nil {
		logger.Error("failed to load vault keystore", "path", cfg.VaultKeystorePath, "err", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	node, err := core.NewNode(db, vaultKey, logger)
	if err != nil {
		logger.Error("failed to initialise node", "err", err)
		os.Exit(1)
	}
	logger.Info("node ready", "network", cfg.NetworkName, "vault", node.Vault().String())

	alloc, err := cfg.ParseGenesis()
	if err != nil {
		logger.Error("invalid genesis allocations", "err", err)
		os.Exit(1)
	}
	if len(alloc) > 0 {
		if err := node.ApplyGenesis(alloc); err != nil {
			logger.Error("failed to apply genesis allocations", "err", err)
			os.Exit(1)
		}
	}

	if endpoint := strings.TrimSpace(cfg.Webhook.Endpoint); endpoint != "" {
		notifier, err := webhooks.NewNotifier(endpoint, []byte(cfg.Webhook.Secret))
		if err != nil {
			logger.Error("failed to configure webhook notifier", "err", err)
			os.Exit(1)
		}
		node.SetNotifier(notifier)
		logger.Info("redemption webhook enabled", "endpoint", endpoint)
	}

	authToken := strings.TrimSpace(os.Getenv(authTokenEnv))
	if authToken == "" {
		authToken = cfg.RPCAuthToken
	}
	if authToken == "" {
		logger.Warn("no RPC auth token configured; operator methods disabled")
	}

	server := rpc.NewServer(node, authToken, logger)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server exited", "err", err)
		os.Exit(1)
	}
}
