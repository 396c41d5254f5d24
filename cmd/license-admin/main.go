// Command license-admin is the operator tool for licenses, referrals and
// devices. It opens the same store the server uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"patapim-server/config"
	"patapim-server/internal/app"
	"patapim-server/internal/logging"
)

// cli carries the store and services for one invocation. storage may be
// preset by tests, in which case it is not closed afterwards.
type cli struct {
	cfg     *config.Config
	storage *app.Storage
	svc     *app.Services
	owned   bool
	logger  zerolog.Logger

	backend    string
	sqlitePath string
}

// noStore marks commands that never touch the store
const noStore = "no-store"

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "license-admin",
		Short:         "PATAPIM license administration",
		Long:          `Inspect and change licenses, referrals and devices in the PATAPIM store`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[noStore] != "" {
				return nil
			}
			return c.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}
	root.PersistentFlags().StringVar(&c.backend, "backend", "", "store backend override (memory, sqlite, redis, postgres)")
	root.PersistentFlags().StringVar(&c.sqlitePath, "sqlite-path", "", "sqlite database path override")

	root.AddCommand(
		generateCmd(),
		validateCmd(),
		hashAdminTokenCmd(c),
		initConfigCmd(),
		lookupCmd(c),
		setPlanCmd(c),
		grantLifetimeCmd(c),
		referralCmd(c),
		devicesCmd(c),
		statsCmd(c),
	)
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	if c.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		c.cfg = cfg
	}
	return c.cfg, nil
}

func (c *cli) open(ctx context.Context) error {
	if c.storage == nil {
		if _, err := c.loadConfig(); err != nil {
			return err
		}
		if c.backend != "" {
			c.cfg.StoreConfig.Backend = c.backend
		}
		if c.sqlitePath != "" {
			c.cfg.StoreConfig.SQLitePath = c.sqlitePath
		}
		st, err := app.OpenStore(ctx, c.cfg.StoreConfig, c.logger)
		if err != nil {
			return err
		}
		c.storage = st
		c.owned = true
	}
	if c.cfg == nil {
		c.cfg = &config.Config{}
	}
	c.svc = app.Build(c.cfg, c.storage, c.logger)
	return nil
}

func (c *cli) close() error {
	if c.svc != nil {
		c.svc.Bus.Wait()
	}
	if c.owned && c.storage != nil {
		return c.storage.Close()
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	c := &cli{logger: logging.New(&logging.Config{Level: "warn", Output: "stderr", Component: "license-admin"})}
	if err := newRootCmd(c).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
