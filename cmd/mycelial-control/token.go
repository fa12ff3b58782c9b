package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mycelial-network/mycelial/internal/server"
)

func init() {
	tokenCmd.AddCommand(tokenNewCmd)
	tokenCmd.AddCommand(tokenListCmd)
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage daemon join tokens",
}

var tokenNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Mint a one-time join token",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := server.OpenDB(controlHome())
		if err != nil {
			return err
		}
		defer db.Close()
		id, secret, err := db.CreateToken()
		if err != nil {
			return err
		}
		fmt.Printf("%s:%s\n", id, secret)
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List minted join tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := server.OpenDB(controlHome())
		if err != nil {
			return err
		}
		defer db.Close()
		tokens, err := db.ListTokens()
		if err != nil {
			return err
		}
		for _, token := range tokens {
			state := "pending"
			if token.UsedAt != nil {
				state = "consumed " + token.UsedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s  minted %s  %s\n", token.ID, token.CreatedAt.Format("2006-01-02 15:04:05"), state)
		}
		return nil
	},
}
