package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/chatpilot/internal/logstream"
	"github.com/user/chatpilot/internal/types"
)

var (
	logsLines  int
	logsFollow bool
)

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "number of recent entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing new entries")
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the activity journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		journal := logstream.OpenJournal(loadConfig().DataDir)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return showLogs(ctx, os.Stdout, journal, logsLines, logsFollow, time.Second)
	},
}

func showLogs(ctx context.Context, w io.Writer, journal *logstream.Journal, n int, follow bool, every time.Duration) error {
	entries, err := journal.Tail(ctx, n)
	if err != nil {
		return err
	}
	var last int64
	for _, e := range entries {
		printEntry(w, e)
		last = e.Seq
	}
	if !follow {
		return nil
	}

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		entries, err := journal.After(ctx, last)
		if err != nil {
			return err
		}
		for _, e := range entries {
			printEntry(w, e)
			last = e.Seq
		}
	}
}

func printEntry(w io.Writer, e *types.Entry) {
	fmt.Fprintf(w, "%s %-5s %s", e.At.Local().Format("2006-01-02 15:04:05"), e.Level, e.Message)
	if len(e.Attrs) > 0 {
		fmt.Fprintf(w, " %s", e.Attrs)
	}
	fmt.Fprintln(w)
}
