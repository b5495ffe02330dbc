package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/attachvault/internal/auth"
	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/logger"
	"github.com/dharsanguruparan/attachvault/internal/maintenance"
	"github.com/dharsanguruparan/attachvault/internal/server"
	"github.com/dharsanguruparan/attachvault/internal/signing"
)

const signingSecretEnv = "ATTACHVAULT_SIGNING_SECRET"

var errInvalidSignature = errors.New("signature is invalid or expired")

// loadSigner refuses to run without an explicit secret: config.Load falls
// back to a random one, and tokens signed with it are useless elsewhere.
func loadSigner() (*config.Config, *signing.Signer, error) {
	if os.Getenv(signingSecretEnv) == "" {
		return nil, nil, fmt.Errorf("%s must be set", signingSecretEnv)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, signing.NewSigner(cfg.SigningSecret, signing.WithDefaultTTL(cfg.SignedURLTTL)), nil
}

func newSignCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "sign <attachment-id>",
		Short: "Issue a signed download URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, signer, err := loadSigner()
			if err != nil {
				return err
			}
			tok := signer.Issue(args[0], ttl)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, tok.URL(cfg.PublicBaseURL, args[0]))
			fmt.Fprintf(out, "expires %s\n", time.Unix(tok.Exp, 0).UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Lifetime of the URL (defaults to ATTACHVAULT_SIGNED_TTL)")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var token, exp string
	cmd := &cobra.Command{
		Use:   "verify <attachment-id>",
		Short: "Check a signed URL token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, signer, err := loadSigner()
			if err != nil {
				return err
			}
			if !signer.ValidateQuery(args[0], token, exp) {
				return errInvalidSignature
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token query parameter")
	cmd.Flags().StringVar(&exp, "exp", "", "exp query parameter")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("exp")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a session token for the upload and management endpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tokens := auth.NewTokens(cfg.JWTSecret)
			if !tokens.Enabled() {
				return errors.New("ATTACHVAULT_JWT_SECRET must be set")
			}
			tok, err := tokens.GenerateToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

// buildApp assembles the configured stores with logs going to stderr.
func buildApp(cmd *cobra.Command) (*server.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	return server.Build(cmd.Context(), cfg, log)
}

func newMaintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "maintain [task...]",
		Short:     "Run maintenance tasks once (all when none are named)",
		ValidArgs: maintenance.Tasks(),
		Args:      cobra.OnlyValidArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			tasks := args
			if len(tasks) == 0 {
				tasks = maintenance.Tasks()
			}
			var errs []error
			for _, task := range tasks {
				n, err := app.Janitor.RunTask(cmd.Context(), task)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", task, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", task, n)
			}
			return errors.Join(errs...)
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <attachment-id>...",
		Short: "Rewrite local attachment files from the backup bucket",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			for _, id := range args {
				if err := app.Janitor.Restore(cmd.Context(), id); err != nil {
					return fmt.Errorf("restore %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", id)
			}
			return nil
		},
	}
}
