package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Print the bcrypt hash to use as admin_token_hash",
	Long:  "Hash an admin token for admin_token_hash. The token is read from stdin when not given as an argument.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.Wrap(err, "read token")
			}
			token = line
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return errors.New("token must not be empty")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(hash))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)
}
