package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/downlink-go/internal/app"
	"github.com/yourusername/downlink-go/pkg/logger"
)

var logsCmd = &cobra.Command{
	Use:       "logs [transfer|plugin|error]",
	Short:     "Show the server's categorized log files",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{string(logger.CategoryTransfer), string(logger.CategoryPlugin), string(logger.CategoryError)},
	Run: func(cmd *cobra.Command, args []string) {
		category := logger.CategoryTransfer
		if len(args) == 1 {
			category = logger.LogCategory(args[0])
		}
		query, _ := cmd.Flags().GetString("search")
		limit, _ := cmd.Flags().GetInt("limit")
		follow, _ := cmd.Flags().GetBool("follow")

		config, err := app.LoadConfig(configPath)
		if err != nil {
			fail(err)
		}
		reader := logger.NewLogReader(config.Logging.LogsDir)

		entries, err := reader.ReadLogs(category, time.Now(), query, limit)
		if err != nil {
			fail(err)
		}
		for _, entry := range entries {
			fmt.Println(entry.String())
		}
		if !follow {
			return
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		out := make(chan logger.LogEntry)
		errc := make(chan error, 1)
		go func() { errc <- reader.TailLogs(ctx, category, out) }()
		for {
			select {
			case entry := <-out:
				fmt.Println(entry.String())
			case err := <-errc:
				if err != nil {
					fail(err)
				}
				return
			}
		}
	},
}

func init() {
	logsCmd.Flags().StringP("search", "q", "", "Only show entries containing this text")
	logsCmd.Flags().IntP("limit", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolP("follow", "f", false, "Keep streaming new entries")
	rootCmd.AddCommand(logsCmd)
}
