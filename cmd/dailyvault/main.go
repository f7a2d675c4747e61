package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	dataDirFlag  string
	serverFlag   string
	offlineFlag  bool
	logLevelFlag string

	rootCmd = &cobra.Command{
		Use:           "dailyvault",
		Short:         "Encrypted one-note-per-day journal",
		Long:          `Keeps one end-to-end encrypted note per calendar day and syncs it across devices through a DailyVault server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "directory holding the local vault (default $DAILYVAULT_DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "sync server base url (default $DAILYVAULT_SERVER_URL)")
	rootCmd.PersistentFlags().BoolVar(&offlineFlag, "offline", false, "never contact the sync server")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level (default $LOG_LEVEL)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(passwdCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(datesCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", describe(err))
		os.Exit(1)
	}
}
