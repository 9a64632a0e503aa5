package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"relaychat-backend/pkg/jwt"
)

var (
	tokenUserID   string
	tokenUsername string
	tokenRole     string
	tokenTTL      time.Duration
)

// tokenCmd issues access tokens signed with the configured secret. Production
// tokens come from the auth service; this is for local testing.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Server.Environment == "production" {
			return errors.New("refusing to issue tokens in production")
		}

		userID := uuid.New()
		if tokenUserID != "" {
			if userID, err = uuid.Parse(tokenUserID); err != nil {
				return fmt.Errorf("invalid --user-id: %w", err)
			}
		}

		manager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience)
		token, err := manager.Issue(userID, tokenUsername, tokenRole, tokenTTL)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "user_id: %s\ntoken: %s\n", userID, token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUserID, "user-id", "", "user id (random when empty)")
	tokenCmd.Flags().StringVar(&tokenUsername, "username", "dev", "username claim")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "user", "role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}
