package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ticket-counter-backend/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var slug, operator string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an operator session token for one counter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if slug == "" {
				return errors.New("--slug is required")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			authority, err := auth.NewAuthority(cfg.Auth.SessionSecret)
			if err != nil {
				return err
			}
			token, err := authority.Sign(slug, operator, cfg.Auth.SessionTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&slug, "slug", "", "counter slug the token grants")
	cmd.Flags().StringVar(&operator, "operator", "operator", "operator name recorded in the token")
	return cmd
}
