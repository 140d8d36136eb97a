package main

import (
	"fmt"
	"log/slog"
	"os"

	_ "github.com/kirinyoku/raffle-go/docs"
	"github.com/spf13/cobra"
)

var Version = "dev"

// @title RaffleGo API
// @version 1.0
// @description Raffle storefront: ticket holds, PIX charges and purchase confirmation.
// @host localhost:8080
// @BasePath /
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rootCmd := &cobra.Command{
		Use:           "rafflego",
		Short:         "Raffle storefront server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd(logger))
	rootCmd.AddCommand(migrateCmd(logger))
	rootCmd.AddCommand(sweepCmd(logger))
	rootCmd.AddCommand(seedCmd(logger))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
