// huntctl is the operator CLI for a HuntPipe database.
//
// Usage:
//
//	huntctl breaker status
//	huntctl breaker set --max-depth 500 --stale-threshold 2m
//	huntctl quarantine list --limit 20
//	huntctl queue stats
//	huntctl content stats
//	huntctl tenants import -f tenants.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

// options are the persistent flags shared by every subcommand.
type options struct {
	dsn    string
	output string
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "huntctl",
		Short: "Inspect and operate a HuntPipe deployment",
		Long: `huntctl reads and writes the HuntPipe database directly.

The database is taken from --db-dsn, then $DATABASE_URL, then the SQLite
file in $HUNTPIPE_STATE_DIR.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.dsn, "db-dsn", "", "Postgres DSN or SQLite path")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(breakerCmd(opts))
	rootCmd.AddCommand(quarantineCmd(opts))
	rootCmd.AddCommand(queueCmd(opts))
	rootCmd.AddCommand(contentCmd(opts))
	rootCmd.AddCommand(tenantsCmd(opts))
	return rootCmd
}

func (o *options) resolveDSN() string {
	if o.dsn != "" {
		return o.dsn
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	dir := os.Getenv("HUNTPIPE_STATE_DIR")
	if dir == "" {
		dir = "/var/lib/huntpipe"
	}
	return filepath.Join(dir, "huntpipe.db")
}

// openStore opens the database and returns a context with an operator session.
func (o *options) openStore(cmd *cobra.Command) (context.Context, store.Store, error) {
	dsn := o.resolveDSN()
	var opt store.Option
	if store.DetectDSNType(dsn) == "postgres" {
		opt = store.WithPostgresDSN(dsn)
	} else {
		if _, err := os.Stat(dsn); err != nil {
			return nil, nil, fmt.Errorf("database %s: %w", dsn, err)
		}
		opt = store.WithSQLiteDSN(dsn)
	}
	st, err := store.New(opt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return isolation.WithPlatform(ctx, "huntctl"), st, nil
}
