package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	jwttoken "escrow/internal/jwt_token"
	"escrow/internal/platform/config"
	id "escrow/pkg/domain"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer tokens for development and operations",
	}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var (
		party string
		role  string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a token for a party acting in a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			partyID, err := id.ParsePartyID(party)
			if err != nil {
				return err
			}
			r, err := id.ParseRole(role)
			if err != nil {
				return err
			}
			cfg := config.FromEnv()
			token, err := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer).Issue(partyID, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "Party ID the token acts as")
	cmd.Flags().StringVar(&role, "role", string(id.RoleAdmin), "intended_party, fulfilling_party or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("party")
	return cmd
}
