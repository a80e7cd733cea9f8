package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the watcher daemon",
	Long: `Run the long-lived watcher: connects to the gateway, tails agent
transcripts, correlates observed work with tasks, and reconciles agent
sessions against in-progress work until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if App == nil {
			return fmt.Errorf("application not initialized")
		}

		if err := App.Start(); err != nil {
			return fmt.Errorf("starting watcher: %w", err)
		}
		fmt.Printf("taskwatch running (base path %s), press Ctrl+C to stop\n", App.BasePath)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		fmt.Println("shutting down")
		App.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
