package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"previewd/internal/auth"
	"previewd/internal/redis"
	"previewd/internal/storage"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "issue <user-id>",
		Short: "Issue an API token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuthService(opts, args[0], func(svc *auth.Service, userID int64) error {
				token, err := svc.IssueToken(cmd.Context(), userID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <user-id>",
		Short: "Revoke every API token of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuthService(opts, args[0], func(svc *auth.Service, userID int64) error {
				if err := svc.RevokeUserTokens(cmd.Context(), userID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked tokens of user %d\n", userID)
				return nil
			})
		},
	})
	return cmd
}

// withAuthService opens the configured database and redis cache, and hands
// fn an auth service for the parsed user id.
func withAuthService(opts *rootOptions, rawUserID string, fn func(*auth.Service, int64) error) error {
	userID, err := strconv.ParseInt(rawUserID, 10, 64)
	if err != nil || userID <= 0 {
		return fmt.Errorf("invalid user id %q", rawUserID)
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	db, err := storage.Open(cfg.BasicConfig.Database, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	// revoked tokens must leave the cache the server validates against
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
	}
	return fn(auth.NewService(db, rdb, cfg.BasicConfig.TokenTTLDuration(), nil), userID)
}
