package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/multierr"

	"megagram/chain"
	"megagram/chat"
	"megagram/config"
	"megagram/crypto"
	"megagram/keystore"
	"megagram/logging"
	"megagram/metrics"
	"megagram/storage"
)

// Flag variables.
var (
	dataDirFlag, networkFlag, rpcFlag, logFile string
	logLevel                                   int
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "megagram",
	Short:         "End-to-end encrypted chat over the MegaChat contract",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "",
		"Data directory. Defaults to MEGAGRAM_DATA_DIR or the per-user config directory.")
	rootCmd.PersistentFlags().StringVar(&networkFlag, "network", "",
		"Network to use for this invocation (megaeth, base-sepolia).")
	rootCmd.PersistentFlags().StringVar(&rpcFlag, "rpc", "",
		"RPC endpoint overriding the configured one.")
	rootCmd.PersistentFlags().StringVarP(&logFile, "log", "l", "-",
		"Log output path. By default, logs are printed to stdout. "+
			"To disable logging, set this to empty (\"\").")
	rootCmd.PersistentFlags().IntVarP(&logLevel, "logLevel", "v", -1,
		"Verbosity level of logging. 0 = TRACE, 1 = DEBUG, 2 = INFO, "+
			"3 = WARN, 4 = ERROR, 5 = CRITICAL, 6 = FATAL. Defaults to the configured level.")

	rootCmd.AddCommand(initCmd, sessionCmd, syncCmd, historyCmd, sendCmd,
		usernameCmd, chatsCmd, forgetCmd, serveCmd)
}

// loadConfig loads the configuration and applies per-invocation overrides.
func loadConfig() (*config.ClientConfig, string, error) {
	var (
		cfg     *config.ClientConfig
		cfgPath string
		err     error
	)
	if dataDirFlag != "" {
		cfg, cfgPath, err = config.LoadOrCreateIn(dataDirFlag)
	} else {
		cfg, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}

	if networkFlag != "" && networkFlag != cfg.Network {
		network, ok := config.LookupNetwork(networkFlag)
		if !ok {
			return nil, "", fmt.Errorf("unknown network %q", networkFlag)
		}
		cfg.Network = network.ID
		cfg.RPCURL = network.RPCURL
		cfg.ChainID = network.ChainID
	}
	if rpcFlag != "" {
		cfg.RPCURL = rpcFlag
	}
	return cfg, cfgPath, nil
}

// app holds everything a command needs. Fields are nil when not requested.
type app struct {
	cfg     *config.ClientConfig
	dataDir string
	dbPath  string

	store  *storage.Store
	redis  *storage.RedisKV
	keys   *keystore.KeyStore
	client *chain.Client
	engine *chat.Engine

	logCloser io.Closer
}

// openApp wires storage, keys and, when withChain is set, the contract client
// into a chat engine.
func openApp(ctx context.Context, withChain bool) (a *app, err error) {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return nil, err
	}

	threshold := jww.Threshold(cfg.LogLevel)
	if logLevel >= 0 {
		threshold = jww.Threshold(logLevel)
	}
	logCloser, err := logging.Init(threshold, logFile)
	if err != nil {
		return nil, err
	}
	metrics.Init("megagram")

	a = &app{cfg: cfg, dataDir: filepath.Dir(cfgPath), logCloser: logCloser}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
			a = nil
		}
	}()

	if a.store, a.dbPath, err = storage.Open(a.dataDir); err != nil {
		return a, fmt.Errorf("open database: %w", err)
	}

	var kv keystore.KV = a.store
	if cfg.KVBackend == config.KVBackendRedis {
		if a.redis, err = storage.OpenRedis(cfg.RedisAddr, os.Getenv("MEGAGRAM_REDIS_PASSWORD"), 0); err != nil {
			return a, err
		}
		kv = a.redis
	}
	a.keys = keystore.New(kv)

	opts := []chat.Option{
		chat.WithContract(cfg.ContractAddress),
		chat.WithArchive(a.store),
		chat.WithPageSize(cfg.PageSize),
	}
	walletKey, _, err := crypto.LoadWalletKey(cfg.WalletKeyPath)
	switch {
	case err == nil:
		opts = append(opts, chat.WithWallet(walletKey))
	case errors.Is(err, fs.ErrNotExist):
		jww.WARN.Printf("no wallet key at %s, run `megagram init` to create one", cfg.WalletKeyPath)
		err = nil
	default:
		return a, err
	}

	var contract chat.ContractClient
	if withChain {
		if err = cfg.Validate(); err != nil {
			return a, err
		}
		if a.client, err = chain.Dial(ctx, cfg.RPCURL, cfg.ContractAddress, cfg.ChainID); err != nil {
			return a, err
		}
		contract = a.client
	}
	a.engine = chat.NewEngine(contract, a.keys, opts...)
	return a, nil
}

// Close releases everything openApp acquired.
func (a *app) Close() error {
	var err error
	if a.engine != nil {
		a.engine.Close()
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	if a.logCloser != nil {
		err = multierr.Append(err, a.logCloser.Close())
	}
	return err
}

// withApp runs fn with an opened app and closes it afterwards.
func withApp(cmd *cobra.Command, withChain bool, fn func(a *app) error) (err error) {
	a, err := openApp(cmd.Context(), withChain)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.Close())
	}()
	return fn(a)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or normalize the configuration and the wallet key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
		_, address, err := crypto.EnsureWalletKey(cfg.WalletKeyPath)
		if err != nil {
			return err
		}

		dataDir := filepath.Dir(cfgPath)
		store, dbPath, err := storage.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if err := store.Close(); err != nil {
			return err
		}

		network := cfg.ActiveNetwork()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Install ID:      %s\n", cfg.InstallID)
		fmt.Fprintf(out, "Network:         %s (chain %d)\n", network.Name, cfg.ChainID)
		fmt.Fprintf(out, "RPC URL:         %s\n", cfg.RPCURL)
		fmt.Fprintf(out, "Contract:        %s\n", valueOr(cfg.ContractAddress, "(not set)"))
		fmt.Fprintf(out, "Wallet:          %s\n", address)
		fmt.Fprintf(out, "KV Backend:      %s\n", cfg.KVBackend)
		fmt.Fprintf(out, "Config File:     %s\n", cfgPath)
		fmt.Fprintf(out, "Data Directory:  %s\n", dataDir)
		fmt.Fprintf(out, "Database File:   %s\n", dbPath)
		return nil
	},
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
