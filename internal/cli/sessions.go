package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Show live agent sessions and session history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if Connector == nil {
			return fmt.Errorf("gateway connector not initialized")
		}

		snapshot := Connector.Snapshot()

		if snapshot.Connected {
			fmt.Println("Gateway: connected")
		} else {
			fmt.Println("Gateway: disconnected")
		}

		if len(snapshot.Sessions) == 0 {
			fmt.Println("No live sessions.")
		} else {
			fmt.Printf("Live sessions (%d):\n", len(snapshot.Sessions))
			for _, s := range snapshot.Sessions {
				fmt.Printf("  %-20s %-10s %s  in:%d out:%d\n",
					s.Key, s.State, s.Model, s.InputTokens, s.OutputTokens)
				if len(s.RecentTools) > 0 {
					last := s.RecentTools[len(s.RecentTools)-1]
					fmt.Printf("    last tool: %s\n", last.Tool)
				}
			}
		}

		historyFlag, _ := cmd.Flags().GetBool("history")
		if historyFlag && History != nil {
			entries := History.List()
			if len(entries) == 0 {
				fmt.Println("No session history.")
				return nil
			}
			fmt.Printf("History (%d):\n", len(entries))
			for _, h := range entries {
				fmt.Printf("  %-20s %-10s %-8s %s  in:%d out:%d\n",
					h.Key, h.Outcome, h.Duration, h.Model, h.InputTokens, h.OutputTokens)
			}
		}
		return nil
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <session-key>",
	Short: "Abort a live agent session via the gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Connector == nil {
			return fmt.Errorf("gateway connector not initialized")
		}
		if err := Connector.AbortSession(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("aborting session: %w", err)
		}
		fmt.Printf("Abort requested for session %s\n", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.Flags().Bool("history", false, "Include historical sessions")
	rootCmd.AddCommand(sessionsCmd, abortCmd)
}
