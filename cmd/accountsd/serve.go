package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pysugar/accountsd/internal/db"
	"github.com/pysugar/accountsd/internal/ipc"
	"github.com/pysugar/accountsd/internal/providers/catalog"
	"github.com/pysugar/accountsd/internal/service"
	"github.com/pysugar/accountsd/internal/vault"
	"github.com/pysugar/accountsd/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveProvidersDir string
	serveDataDir      string
	serveDBPath       string
	serveNoKeyring    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the accounts daemon",
	Long: `Starts the daemon: loads provider descriptors, opens the credential
vault and the account database, claims the D-Bus name, and runs the
token refresh scheduler until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Printf("accountsd %s starting", version.Version)

	dataDir := serveDataDir
	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	dbPath := serveDBPath
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "accounts.db")
	}
	providersDir := serveProvidersDir
	if providersDir == "" {
		providersDir = defaultProvidersDir()
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	cat, err := catalog.Load(providersDir)
	if err != nil {
		// Partial loads are survivable; the broken descriptors were logged.
		log.Printf("Some provider descriptors failed to load: %v", err)
	}

	kr := vault.SystemKeyring()
	if serveNoKeyring {
		log.Printf("WARNING: --no-keyring holds the sealing key in memory only; stored credentials will not survive a restart")
		kr = vault.NewMemoryKeyring()
	}
	store, err := vault.Open(filepath.Join(dataDir, "vault"), kr)
	if err != nil {
		return fmt.Errorf("failed to open credential vault: %w", err)
	}

	database, err := db.InitDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	svc := service.New(cat, store, database)
	svc.Start()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ipc.NewServer(svc).Serve(ctx)
	})
	g.Go(func() error {
		svc.Scheduler().Run(ctx)
		return nil
	})
	g.Go(func() error {
		svc.Flows().Run(ctx)
		return nil
	})

	err = g.Wait()
	log.Printf("accountsd stopped")
	return err
}

func defaultDataDir() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return filepath.Join(v, "accountsd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "accountsd-data"
	}
	return filepath.Join(home, ".local", "share", "accountsd")
}

func defaultProvidersDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "accountsd", "providers")
	}
	return "providers"
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveProvidersDir, "providers-dir", "", "Directory of provider descriptors (default: user config dir)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Directory for the vault and database (default: user data dir)")
	serveCmd.Flags().StringVar(&serveDBPath, "db", "", "Path to the account database (default: <data-dir>/accounts.db)")
	serveCmd.Flags().BoolVar(&serveNoKeyring, "no-keyring", false, "Do not use the OS keyring; keep the sealing key in memory")
}
