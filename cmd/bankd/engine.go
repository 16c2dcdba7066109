package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"miladybank/cmd/internal/passphrase"
	nativecommon "miladybank/native/common"
	"miladybank/native/lending"
	"miladybank/native/market"
	"miladybank/native/router"
	"miladybank/services/bank/chain"
	"miladybank/services/bank/engine"
	"miladybank/services/bankd/config"
	"miladybank/storage"
)

// backend is the engine selected by configuration together with its
// lifecycle hooks.
type backend struct {
	engine engine.Engine
	// borrowers seeds the keeper. Nil when the engine cannot enumerate
	// positions and the indexer must be used instead.
	borrowers interface {
		Borrowers(ctx context.Context, market string) ([]string, error)
	}
	// run, when set, drives background work such as log streaming.
	run   func(ctx context.Context) error
	close func()
}

func openBackend(ctx context.Context, cfg config.EngineConfig, logger *slog.Logger) (*backend, error) {
	switch cfg.Mode {
	case config.ModeChain:
		return openChain(ctx, cfg.Chain, logger)
	default:
		return openNative(ctx, cfg.Native, logger)
	}
}

func openNative(ctx context.Context, cfg config.NativeConfig, logger *slog.Logger) (*backend, error) {
	params := lending.DefaultParams()
	var interest *lending.InterestModel
	if cfg.RiskConfig != "" {
		risk, err := lending.LoadConfig(cfg.RiskConfig)
		if err != nil {
			return nil, err
		}
		if params, err = risk.Params(); err != nil {
			return nil, err
		}
		interest = risk.InterestModel()
	}

	window := nativecommon.Window{WindowSeconds: cfg.WindowSeconds}
	if trimmed := strings.TrimSpace(cfg.MaxBorrowPerWindow); trimmed != "" {
		limit, ok := new(big.Int).SetString(trimmed, 10)
		if !ok || limit.Sign() < 0 {
			return nil, fmt.Errorf("invalid maxBorrowPerWindow %q", cfg.MaxBorrowPerWindow)
		}
		window.MaxPerWindow = limit
	}

	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Backend == config.BackendMemory {
		logger.Warn("native engine state is kept in memory")
	}

	local, err := engine.NewNative(engine.NativeConfig{
		Bank:         common.HexToAddress(cfg.Bank),
		Router:       common.HexToAddress(cfg.Router),
		Manager:      common.HexToAddress(cfg.Manager),
		Owner:        common.HexToAddress(cfg.Owner),
		Params:       params,
		Interest:     interest,
		RouterConfig: router.Config{FeeBps: cfg.RouterFeeBps, Window: window},
		FeedHistory:  cfg.FeedHistory,
	}, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("native engine: %w", err)
	}
	if err := bootstrapMarkets(ctx, local, common.HexToAddress(cfg.Bank), cfg.Markets, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &backend{engine: local, borrowers: local, close: db.Close}, nil
}

func openStore(cfg config.NativeConfig) (storage.Database, error) {
	switch cfg.Backend {
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := storage.NewBoltDB(filepath.Join(cfg.DataDir, "bank.db"))
		if err != nil {
			return nil, fmt.Errorf("open bolt %s: %w", cfg.DataDir, err)
		}
		return db, nil
	case config.BackendLevelDB:
		db, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open leveldb %s: %w", cfg.DataDir, err)
		}
		return db, nil
	default:
		return storage.NewMemDB(), nil
	}
}

// bootstrapMarkets initialises configured markets that do not exist yet and
// seeds their liquidity. Markets restored from disk are left untouched.
func bootstrapMarkets(ctx context.Context, local *engine.Local, hooks common.Address, markets []config.MarketConfig, logger *slog.Logger) error {
	for _, m := range markets {
		key := poolKey(m, hooks)
		id, err := local.InitializeMarket(ctx, key, m.Tick)
		if errors.Is(err, engine.ErrConflict) {
			logger.Info("market already initialised", slog.String("market", key.ID().String()))
			continue
		}
		if err != nil {
			return fmt.Errorf("initialise market %s: %w", key.ID(), err)
		}
		if liquidity := strings.TrimSpace(m.Liquidity); liquidity != "" && liquidity != "0" {
			if err := local.AddLiquidity(ctx, id, liquidity); err != nil {
				return fmt.Errorf("seed liquidity for %s: %w", id, err)
			}
		}
		logger.Info("market initialised", slog.String("market", id), slog.Int("tick", int(m.Tick)))
	}
	return nil
}

func openChain(ctx context.Context, cfg config.ChainConfig, logger *slog.Logger) (*backend, error) {
	client, err := chain.Dial(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Endpoint, err)
	}
	var signer *chain.Signer
	if cfg.Keystore != "" {
		secret, err := passphrase.NewSource(cfg.PassphraseEnv, "bank keystore passphrase").Get()
		if err != nil {
			client.Close()
			return nil, err
		}
		if signer, err = chain.LoadSigner(cfg.Keystore, secret); err != nil {
			client.Close()
			return nil, err
		}
		logger.Info("chain signer loaded", slog.String("address", signer.Address().Hex()))
	} else {
		logger.Warn("engine.chain.keystore not set; write operations are disabled")
	}

	bank := common.HexToAddress(cfg.Bank)
	keys := make([]market.PoolKey, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		keys = append(keys, poolKey(m, bank))
	}
	eng, err := chain.New(client, signer, chain.Config{
		Bank:        bank,
		Router:      common.HexToAddress(cfg.Router),
		Markets:     keys,
		ReceiptPoll: cfg.ReceiptPoll,
		FeedHistory: cfg.FeedHistory,
	}, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &backend{engine: eng, run: eng.Run, close: client.Close}, nil
}

// poolKey builds the market key. Native markets always hook into the bank;
// chain markets name their hooks explicitly.
func poolKey(m config.MarketConfig, fallbackHooks common.Address) market.PoolKey {
	hooks := fallbackHooks
	if strings.TrimSpace(m.Hooks) != "" {
		hooks = common.HexToAddress(m.Hooks)
	}
	return market.PoolKey{
		Currency0:   common.HexToAddress(m.Currency0),
		Currency1:   common.HexToAddress(m.Currency1),
		Fee:         m.Fee,
		TickSpacing: m.TickSpacing,
		Hooks:       hooks,
	}
}
