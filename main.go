package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"walletsync/pkg/config"
	"walletsync/pkg/keys"
	"walletsync/pkg/models"
	"walletsync/pkg/remote"
	"walletsync/pkg/rpc"
	"walletsync/pkg/server"
	"walletsync/pkg/storage"
	"walletsync/pkg/syncer"
	"walletsync/pkg/tui"
	"walletsync/pkg/wallet"
	"walletsync/pkg/watcher"

	log "github.com/sirupsen/logrus"
)

// Version should be set during build
var Version = "dev"

func main() {
	testFlag := flag.Bool("t", false, "Test configuration and exit")
	testLongFlag := flag.Bool("test", false, "Test configuration and exit")
	jsonFlag := flag.Bool("json", false, "Output test results as JSON")
	dryRunFlag := flag.Bool("dry-run", false, "Perform a trial run with no changes made")
	restoreFlag := flag.Bool("restore", false, "Restore the last configuration backup and exit")
	configFlag := flag.String("config", "", "Path to configuration file")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	serverFlag := flag.Bool("server", false, "Run in headless server mode")
	portFlag := flag.Int("port", 8080, "Port for API server")
	remoteServeFlag := flag.Bool("remote-serve", false, "Serve an in-memory token list store under /remote/")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("walletsync version %s\n", Version)
		os.Exit(0)
	}

	cfgInput := *configFlag
	if cfgInput == "" && len(flag.Args()) > 0 {
		cfgInput = flag.Args()[0]
	}
	path, err := config.GetConfigPath(cfgInput)
	if err != nil {
		fmt.Printf("Error determining config path: %v\n", err)
		os.Exit(1)
	}

	if *restoreFlag {
		if err := config.RestoreLastBackup(path); err != nil {
			fmt.Printf("Error restoring backup of %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("Restored the last backup of %s\n", path)
		os.Exit(0)
	}

	cfg, err := config.LoadConfigFromFile(path)
	if err != nil {
		fmt.Printf("Error loading config from %s: %v\n", path, err)
		os.Exit(1)
	}

	// environment overrides are never written back to the file
	if *testFlag || *testLongFlag {
		report := testConfig(context.Background(), &cfg, path, *jsonFlag, os.Stdout)
		report.DryRun = *dryRunFlag
		if report.ConfigUpdated {
			saveTestedConfig(cfg, path, &report, *jsonFlag)
		}
		if *jsonFlag {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(report)
		}
		if !report.ValidStructure {
			os.Exit(1)
		}
		os.Exit(0)
	}
	config.ApplyEnv(&cfg)

	if errs := config.Validate(cfg); len(errs) > 0 {
		fmt.Printf("Invalid configuration at %s:\n", path)
		for _, e := range errs {
			fmt.Printf(" - %s\n", e)
		}
		os.Exit(1)
	}

	logFile := setupLogging(cfg.GlobalConfig, *serverFlag)
	if logFile != nil {
		defer func() { _ = logFile.Close() }()
	}

	if err := run(cfg, *serverFlag, *portFlag, *remoteServeFlag); err != nil {
		log.WithError(err).Error("walletsync stopped")
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, serverMode bool, port int, remoteServe bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.TrimSpace(cfg.Wallet.Mnemonic) == "" {
		return fmt.Errorf("no key source configured: set wallet.mnemonic or WALLETSYNC_%s", config.MnemonicKey)
	}
	provisioner, err := keys.NewSoftProvisioner(cfg.Wallet.Mnemonic, "")
	if err != nil {
		return err
	}

	store, err := storage.NewStore(cfg.Datadir, log.StandardLogger())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	memory := remote.NewMemory()
	var transport syncer.Transport = memory
	if cfg.RemoteURL != "" {
		transport = remote.NewClient(cfg.RemoteURL, time.Duration(cfg.FetchTimeoutSeconds)*time.Second)
	} else {
		log.Warn("no remote_url configured, token list is only synced in memory")
	}

	w, err := wallet.New(ctx, wallet.Deps{
		Provisioner: provisioner,
		Storage:     store,
		Transport:   transport,
	}, cfg.WalletOptions())
	if err != nil {
		return err
	}
	defer w.Close()
	w.Start(ctx)

	log.WithFields(log.Fields{
		"wallet": w.Identity().Short(),
		"tokens": len(w.Tokens().Entries),
	}).Info("wallet started")

	events := watcher.NewWatcher(w, rpc.NewCoinGecko(cfg.PricesPerMinute), cfg.PriceInterval())
	events.Start(ctx)
	defer events.Stop()

	finder := rpc.NewTokenFinder(cfg.RPCURLs())
	srv := server.NewServer(w, events)
	srv.SetTokenFinder(finder)
	if remoteServe {
		srv.Mount("/remote/", remote.Handler(memory))
	}
	go func() {
		if err := srv.Start(port); err != nil {
			log.WithError(err).Error("API server stopped")
		}
	}()

	if serverMode {
		fmt.Printf("Running in server mode on port %d...\n", port)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info("shutting down")
		return nil
	}

	tui.Start(w, events, finder, cfg, Version)
	return nil
}

// setupLogging applies the configured level. The dashboard owns the terminal,
// so outside server mode logs go to the datadir or nowhere.
func setupLogging(cfg config.GlobalConfig, serverMode bool) *os.File {
	log.SetLevel(log.Level(cfg.LogLevel))
	if serverMode {
		return nil
	}
	if cfg.Datadir == "" {
		log.SetOutput(io.Discard)
		return nil
	}
	if err := os.MkdirAll(cfg.Datadir, 0o700); err != nil {
		log.SetOutput(io.Discard)
		return nil
	}
	f, err := os.OpenFile(filepath.Join(cfg.Datadir, "walletsync.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		log.SetOutput(io.Discard)
		return nil
	}
	log.SetOutput(f)
	return f
}

// testConfig checks the configuration structure and asks every EVM RPC for
// its chain id. Chains without a configured id get the observed one when all
// their RPCs agree. Human readable progress goes to out unless jsonOut is set.
func testConfig(ctx context.Context, cfg *config.Config, path string, jsonOut bool, out io.Writer) models.TestReport {
	printf := func(format string, args ...interface{}) {
		if !jsonOut {
			_, _ = fmt.Fprintf(out, format, args...)
		}
	}

	report := models.TestReport{
		ConfigPath:     path,
		ValidStructure: true,
		ChainCount:     len(cfg.Chains),
	}
	printf("Testing configuration at: %s\n", path)

	if errs := config.Validate(*cfg); len(errs) > 0 {
		report.ValidStructure = false
		report.StructureErrors = errs
		for _, e := range errs {
			printf("Error: %s\n", e)
		}
		return report
	}

	for _, c := range cfg.Chains {
		report.TokenCount += len(c.Tokens)
	}
	printf("Found %d chains and %d tokens.\n", report.ChainCount, report.TokenCount)

	for i := range cfg.Chains {
		chain := &cfg.Chains[i]
		result := testChain(ctx, *chain, printf)
		if result.Inconsistent {
			report.InconsistentChains = append(report.InconsistentChains, chain.Name)
		} else if chain.ChainID == 0 && result.ObservedChainID != 0 {
			chain.ChainID = result.ObservedChainID
			result.ChainIDUpdated = true
			report.ConfigUpdated = true
			printf("  Chain ID %d recorded for %s\n", chain.ChainID, chain.Name)
		}
		report.Chains = append(report.Chains, result)
	}

	if len(report.InconsistentChains) > 0 {
		printf("\nWARNING: Inconsistent RPCs detected!\n")
		printf("The following chains have RPCs returning conflicting Chain IDs:\n")
		for _, name := range report.InconsistentChains {
			printf(" - %s\n", name)
		}
	}
	return report
}

func saveTestedConfig(cfg config.Config, path string, report *models.TestReport, jsonOut bool) {
	if report.DryRun {
		if !jsonOut {
			fmt.Println("Dry run enabled: Configuration NOT saved.")
		}
		return
	}
	if err := config.SaveConfig(cfg, path); err != nil {
		report.SaveError = err.Error()
		if !jsonOut {
			fmt.Printf("Failed to save config: %v\n", err)
		}
		return
	}
	if !jsonOut {
		fmt.Println("Configuration saved with fetched Chain IDs.")
	}
}

func testChain(ctx context.Context, chain config.ChainConfig, printf func(string, ...interface{})) models.ChainResult {
	result := models.ChainResult{
		Name:          chain.Name,
		Kind:          string(chain.Kind),
		Symbol:        chain.Symbol,
		ConfigChainID: chain.ChainID,
	}
	printf("Testing Chain: %s (%s)\n", chain.Name, chain.Symbol)

	for _, url := range chain.RPCURLs {
		r := models.RPCResult{URL: url}
		if chain.Kind != wallet.KindEVM {
			r.Status = "skipped"
			printf("  RPC: %s ... skipped\n", url)
			result.RPCs = append(result.RPCs, r)
			continue
		}

		printf("  RPC: %s ... ", url)
		id, err := fetchChainID(ctx, url)
		if err != nil {
			r.Status = "error"
			r.Error = err.Error()
			printf("Failed: %v\n", err)
			result.RPCs = append(result.RPCs, r)
			continue
		}

		r.Status = "ok"
		r.ChainID = id
		printf("OK (ChainID: %d)", id)
		if result.ObservedChainID == 0 {
			result.ObservedChainID = id
		} else if result.ObservedChainID != id {
			printf(" - WARNING: ChainID mismatch with previous RPC (%d)", result.ObservedChainID)
			result.Inconsistent = true
		}
		if chain.ChainID != 0 {
			if chain.ChainID != id {
				r.Error = fmt.Sprintf("Mismatch! Expected %d", chain.ChainID)
				printf(" - MISMATCH! Expected %d", chain.ChainID)
			} else {
				printf(" - Verified")
			}
		}
		printf("\n")
		result.RPCs = append(result.RPCs, r)
	}
	return result
}

func fetchChainID(ctx context.Context, url string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	id, err := rpc.FetchChainID(ctx, url)
	if errors.Is(err, context.DeadlineExceeded) {
		return 0, models.ErrTimeout
	}
	return id, err
}
