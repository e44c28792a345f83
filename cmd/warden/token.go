package main

import (
	"errors"
	"fmt"

	"github.com/FairForge/warden/internal/api"
	"github.com/juju/clock"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator API token",
	Long: `Issue a bearer token for the operator API, signed with the
configured server.jwt_secret.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		subject, _ := cmd.Flags().GetString("subject")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl == 0 {
			ttl = cfg.Server.TokenTTL
		}

		issuer := api.NewTokenIssuer(cfg.Server.JWTSecret, ttl, clock.WallClock)
		if issuer == nil {
			return errors.New("server.jwt_secret is not set; the API runs without authentication")
		}
		token, err := issuer.Issue(subject, role)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "", "operator name recorded in the token")
	tokenCmd.Flags().String("role", api.RoleOperator, "operator or viewer")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (defaults to server.token_ttl)")
	_ = tokenCmd.MarkFlagRequired("subject")
}
