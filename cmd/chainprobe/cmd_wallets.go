package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ChainProbe/internal/wallet"
)

func init() {
	rootCmd.AddCommand(walletsCmd)
	walletsCmd.AddCommand(walletsCreateCmd)

	walletsCreateCmd.Flags().IntP("count", "n", 1, "number of accounts to generate")
	walletsCreateCmd.Flags().StringP("output", "o", "agents.json", "wallet file to write")
}

var walletsCmd = &cobra.Command{
	Use:   "wallets",
	Short: "Manage signing accounts",
}

var walletsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate fresh accounts and write them to a wallet file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		count, _ := cmd.Flags().GetInt("count")
		output, _ := cmd.Flags().GetString("output")

		wallets, err := wallet.Generate(count)
		if err != nil {
			return err
		}
		if err := wallet.SaveFile(output, wallets); err != nil {
			return err
		}
		for _, w := range wallets {
			fmt.Fprintln(cmd.OutOrStdout(), w.Address)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d wallet(s) written to %s; fund the first one before running transaction tools\n", len(wallets), output)
		return nil
	},
}
