package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/saferiskx/saferiskx-server/internal/accesscp"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/auth"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	accountEmail    string
	accountPassword string
	accountVerified bool
)

// readPassword is swapped in tests.
var readPassword = term.ReadPassword

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage local accounts",
}

var accountCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an account",
	Example: `  # Prompt for the password
  saferiskx account create --email ana@example.com --verified

  # Password from the environment
  SAFERISKX_PASSWORD=secret saferiskx account create --email ana@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := passwordInput(cmd)
		if err != nil {
			return err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry, _ *accesscp.Config) error {
			a := &registry.Account{Email: accountEmail, PasswordHash: hash, Verified: accountVerified}
			if err := reg.CreateAccount(ctx, a); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created account %d (%s, verified=%t)\n", a.ID, a.Email, a.Verified)
			return nil
		})
	},
}

var accountVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Mark an account's email as verified",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry, _ *accesscp.Config) error {
			a, err := lookupAccount(ctx, reg)
			if err != nil {
				return err
			}
			if err := reg.MarkAccountVerified(ctx, a.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Verified account %d (%s)\n", a.ID, a.Email)
			return nil
		})
	},
}

var accountTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for an account",
	Long:  `Print a signed session token, usable as the "token" cookie or a Bearer header.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry, cfg *accesscp.Config) error {
			tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.SessionTTL)
			if err != nil {
				return err
			}
			a, err := lookupAccount(ctx, reg)
			if err != nil {
				return err
			}
			token, err := tokens.Issue(a)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{accountCreateCmd, accountVerifyCmd, accountTokenCmd} {
		c.Flags().StringVar(&accountEmail, "email", "", "account email")
		_ = c.MarkFlagRequired("email")
		accountCmd.AddCommand(c)
	}
	accountCreateCmd.Flags().StringVar(&accountPassword, "password", "", "account password (prefer SAFERISKX_PASSWORD or the prompt)")
	accountCreateCmd.Flags().BoolVar(&accountVerified, "verified", false, "create the account already verified")
}

func withRegistry(ctx context.Context, fn func(context.Context, *registry.Registry, *accesscp.Config) error) error {
	cfg, err := accesscp.LoadStoreConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	reg, err := registry.Open(cfg.RegistryDir())
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()
	return fn(ctx, reg, cfg)
}

func lookupAccount(ctx context.Context, reg *registry.Registry) (*registry.Account, error) {
	a, err := reg.GetAccountByEmail(ctx, accountEmail)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("no account with email %q", accountEmail)
	}
	return a, nil
}

func passwordInput(cmd *cobra.Command) (string, error) {
	if pass := os.Getenv("SAFERISKX_PASSWORD"); pass != "" {
		return pass, nil
	}
	if accountPassword != "" {
		return accountPassword, nil
	}

	out := cmd.ErrOrStderr()
	fmt.Fprint(out, "Password: ")
	first, err := readPassword(int(syscall.Stdin))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Fprint(out, "Confirm password: ")
	second, err := readPassword(int(syscall.Stdin))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	if strings.TrimSpace(string(first)) == "" {
		return "", errors.New("password is required")
	}
	return string(first), nil
}
