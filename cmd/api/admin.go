package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thorgate/relay/internal/auth"
	"github.com/thorgate/relay/internal/directory"
	"github.com/thorgate/relay/internal/events"
	"github.com/thorgate/relay/internal/ledger"
	"github.com/thorgate/relay/internal/models"
	"github.com/thorgate/relay/internal/repository"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Bootstrap administrator accounts",
	}
	cmd.AddCommand(newAdminCreateCmd())
	return cmd
}

func newAdminCreateCmd() *cobra.Command {
	var in directory.CreateInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an administrator and print its access key and a session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, pool, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := repository.NewStore(pool)
			dir := directory.New(store, ledger.New(ledger.NewRepository(pool), logger, nil), events.NewLogRecorder(logger), logger, cfg.Relay.NewAccountCredit)

			in.Role = models.RoleAdmin
			created, err := dir.Create(ctx, in)
			if err != nil {
				return err
			}
			token, err := auth.NewSessions(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL).Issue(created.Account.ID, created.Account.Role)
			if err != nil {
				return fmt.Errorf("issue session: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"account_id":    created.Account.ID.String(),
				"access_key":    created.Key,
				"session_token": token,
			})
		},
	}
	cmd.Flags().StringVar(&in.UserName, "user", "", "user name (letters and digits, at least 5)")
	cmd.Flags().StringVar(&in.Email, "email", "", "email address")
	cmd.Flags().StringVar(&in.Password, "password", "", "password (at least 5 characters)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
