package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/realtime/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user_id> <name>",
	Short: "Mint a bearer credential offline",
	Long: `Signs a credential with the service secret. The credential is only
accepted together with the user's current session id.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if secret == "" {
			return errors.New("--secret is required")
		}

		token, err := auth.IssueToken([]byte(secret), args[0], args[1], time.Now(), ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("secret", "", "JWT signing secret of the service")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "credential lifetime")
}
