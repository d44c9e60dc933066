package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"realtime/internal/app"
)

var conversationDB string

var conversationCmd = &cobra.Command{
	Use:   "conversation",
	Short: "Manage conversation rows in the store",
}

var conversationCreateCmd = &cobra.Command{
	Use:   "create <userA> <userB>",
	Short: "Create a two-party conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := app.OpenStore(cmd.Context(), conversationDB)
		if err != nil {
			return err
		}
		defer store.Close()

		conv, err := store.CreateConversation(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", conv.ID, conv.ParticipantA, conv.ParticipantB)
		return nil
	},
}

var conversationListCmd = &cobra.Command{
	Use:   "list <user>",
	Short: "List a user's conversations and read flags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := app.OpenStore(cmd.Context(), conversationDB)
		if err != nil {
			return err
		}
		defer store.Close()

		convs, err := store.FetchConversations(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, conv := range convs {
			opponent, _ := conv.Opponent(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tread=%t\n", conv.ID, opponent, conv.ReadFlag(args[0]))
		}
		return nil
	},
}

func init() {
	conversationCmd.PersistentFlags().StringVar(&conversationDB, "db", envOrDefault("REALTIME_DB_PATH", app.DefaultDBPath()), "sqlite database path")
	conversationCmd.AddCommand(conversationCreateCmd, conversationListCmd)
	rootCmd.AddCommand(conversationCmd)
}
