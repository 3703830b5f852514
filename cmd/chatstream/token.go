package main

import (
	"fmt"

	"github.com/Desarso/chatstream"
	"github.com/Desarso/chatstream/server"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Issue a session token signed with CHAT_JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := server.DefaultConfig()
		if err := chatstream.LoadEnv(&cfg); err != nil {
			return fmt.Errorf("failed to parse environment: %w", err)
		}
		tokens, err := server.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
		if err != nil {
			return err
		}
		tok, err := tokens.Issue(args[0])
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}
