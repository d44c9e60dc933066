package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	intrnl "realtime/internal"
	"realtime/internal/app"
)

var clientFlags struct {
	serverURL string
	token     string
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch users come and go on the stats channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.RunMonitor(app.ClientConfig{ServerURL: clientFlags.serverURL, Token: clientFlags.token})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the server's presence stats and counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := intrnl.FetchStats(clientFlags.serverURL, clientFlags.token)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Users online:  %d\n", report.UsersOnline)
		fmt.Fprintf(out, "Stats channel: %s (%d subscribers)\n", report.StatsChannel, report.Subscribers)
		names := make([]string, 0, len(report.Metrics))
		for name := range report.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			value, _ := json.Marshal(report.Metrics[name])
			fmt.Fprintf(out, "  %-20s %s\n", name, value)
		}
		return nil
	},
}

var emitCmd = &cobra.Command{
	Use:   "emit <user> <message>",
	Short: "Push a text message to every connection of a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := intrnl.EmitTo(clientFlags.serverURL, clientFlags.token, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d connection(s) of %s\n", result.Delivered, result.User)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{monitorCmd, statsCmd, emitCmd} {
		flags := cmd.Flags()
		flags.StringVar(&clientFlags.serverURL, "server-url", envOrDefault("REALTIME_SERVER", "http://localhost:8080"), "server base URL")
		flags.StringVar(&clientFlags.token, "token", envOrDefault("REALTIME_ADMIN_TOKEN", ""), "admin token")
		rootCmd.AddCommand(cmd)
	}
}
