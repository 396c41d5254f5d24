package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"patapim-server/config"
	"patapim-server/internal/auth"
	"patapim-server/internal/devices"
	"patapim-server/internal/license"
	"patapim-server/internal/vault"
)

func generateCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:         "generate",
		Short:       "Print new random license keys",
		Long:        `Generate license keys without storing them. Keys are normally issued by checkout or grant-lifetime.`,
		Annotations: map[string]string{noStore: "1"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 || count > 100 {
				return fmt.Errorf("count must be between 1 and 100")
			}
			for i := 0; i < count; i++ {
				key, err := license.GenerateKey()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of keys")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "validate <key>",
		Short:       "Check the shape of a license key",
		Annotations: map[string]string{noStore: "1"},
		Args:        cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := license.NormalizeKey(args[0])
			if !license.ValidKeyFormat(key) {
				return fmt.Errorf("%s is not a valid license key", key)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid format\n", key)
			return nil
		},
	}
}

func hashAdminTokenCmd(c *cli) *cobra.Command {
	var generate, toVault bool
	cmd := &cobra.Command{
		Use:   "hash-admin-token [token]",
		Short: "Print the bcrypt hash to configure as ADMIN_TOKEN_HASH",
		Long: `Hash an operator token for the admin API. With --generate a random token is
created and printed first. With --vault the hash is written into the Vault
secret bundle instead of being configured by hand.`,
		Annotations: map[string]string{noStore: "1"},
		Args:        cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			switch {
			case generate:
				t, err := auth.GenerateAdminToken()
				if err != nil {
					return err
				}
				token = t
				fmt.Fprintf(cmd.OutOrStdout(), "token: %s\n", token)
			case len(args) == 1:
				token = args[0]
			default:
				return fmt.Errorf("pass a token or --generate")
			}

			hash, err := auth.HashAdminToken(token, bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			if !toVault {
				fmt.Fprintln(cmd.OutOrStdout(), hash)
				return nil
			}
			if err := c.storeAdminHash(cmd.Context(), hash); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "admin token hash written to Vault")
			return nil
		},
	}
	cmd.Flags().BoolVar(&generate, "generate", false, "generate a random token")
	cmd.Flags().BoolVar(&toVault, "vault", false, "write the hash into the Vault secret bundle")
	return cmd
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "init-config <file>",
		Short:       "Write a sample config file with every section populated",
		Annotations: map[string]string{noStore: "1"},
		Args:        cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			if err := config.GenerateSampleConfig(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
}

func lookupCmd(c *cli) *cobra.Command {
	var by license.LookupBy
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Show a license by email, key or billing customer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if by.Email == "" && by.LicenseKey == "" && by.CustomerID == "" {
				return fmt.Errorf("one of --email, --key or --customer is required")
			}
			lic, err := c.svc.Licenses.Lookup(cmd.Context(), by)
			if errors.Is(err, license.ErrNotFound) {
				return fmt.Errorf("no license found")
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), lic)
		},
	}
	cmd.Flags().StringVar(&by.Email, "email", "", "license owner email")
	cmd.Flags().StringVar(&by.LicenseKey, "key", "", "license key")
	cmd.Flags().StringVar(&by.CustomerID, "customer", "", "billing customer id")
	return cmd
}

func setPlanCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "set-plan <email> <pro|lifetime|free>",
		Short: "Override the plan on an email's license",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lic, err := c.svc.Licenses.SetPlan(cmd.Context(), args[0], strings.ToLower(args[1]))
			if err != nil {
				return err
			}
			if lic == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no license, nothing to change\n", license.NormalizeEmail(args[0]))
				return nil
			}
			c.svc.Bus.PublishLicenseUpdated(lic.Email, string(lic.Plan), string(lic.Status), "admin_override")
			return printJSON(cmd.OutOrStdout(), lic)
		},
	}
}

func grantLifetimeCmd(c *cli) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "grant-lifetime <email>",
		Short: "Grant a lifetime license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lic, err := c.svc.Licenses.GrantLifetime(cmd.Context(), args[0], source)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), lic)
		},
	}
	cmd.Flags().StringVar(&source, "source", "admin-cli", "recorded as the grant's customer id")
	return cmd
}

func referralCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "referral",
		Short: "Referral ledger commands",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status <referrer-email>",
			Short: "Show a referrer's ledger",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sum, err := c.svc.Referrals.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			},
		},
		&cobra.Command{
			Use:   "activate <referred-email>",
			Short: "Mark a referred user as activated",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				res, err := c.svc.Referrals.Activate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			},
		},
	)
	return cmd
}

func devicesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Device registry commands",
	}
	var email string
	list := &cobra.Command{
		Use:   "list <google-id>",
		Short: "List an account's devices with liveness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := c.svc.Devices.List(cmd.Context(), devices.Owner{GoogleID: args[0], Email: email})
			if err != nil {
				return err
			}
			if list == nil {
				list = []devices.Status{}
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	list.Flags().StringVar(&email, "email", "", "account email, used for the license view")
	cmd.AddCommand(list)
	return cmd
}

func statsCmd(c *cli) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the admin statistics snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := c.svc.Stats.Snapshot(cmd.Context(), days)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "download/signup window in days")
	return cmd
}

// storeAdminHash replaces the admin token hash in the Vault bundle, keeping
// the other secrets
func (c *cli) storeAdminHash(ctx context.Context, hash string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	vc, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return err
	}
	secrets, err := vc.ReadSecrets(ctx)
	if err != nil {
		return err
	}
	secrets.AdminTokenHash = hash
	return vc.WriteSecrets(ctx, *secrets)
}
