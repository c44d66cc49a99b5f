package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// tokenCommand mints a signed token for local testing.
func tokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Mint a token for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := commonRun()
			if err := cfg.RequireSecret(); err != nil {
				return err
			}
			v, err := newVerifier(cfg)
			if err != nil {
				return err
			}
			tok, err := v.Mint(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
