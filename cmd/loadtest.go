package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/router-lab/internal/loadtest"
)

func newLoadtestCommand() *cobra.Command {
	var (
		opts    loadtest.Options
		outJSON string
	)

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Send concurrent requests and report how they were distributed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			summary, err := loadtest.Run(ctx, opts)
			if err != nil {
				return err
			}

			if _, err := summary.WriteTo(cmd.OutOrStdout()); err != nil {
				return err
			}

			if outJSON != "" {
				if err := writeJSON(outJSON, summary); err != nil {
					return fmt.Errorf("write summary: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nWrote JSON summary to %s\n", outJSON)
			}

			if summary.Failure > 0 {
				return fmt.Errorf("%d of %d requests failed", summary.Failure, summary.Sent)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.URL, "url", "http://localhost:8080/", "router URL")
	fs.IntVar(&opts.Requests, "requests", 300, "total number of requests")
	fs.IntVar(&opts.Concurrency, "concurrency", 10, "number of concurrent workers")
	fs.StringVar(&opts.Method, "method", "GET", "HTTP method")
	fs.StringVar(&opts.Body, "body", "", "request body")
	fs.StringVar(&opts.ContentType, "content-type", "", "Content-Type of the body")
	fs.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-request timeout")
	fs.StringVar(&outJSON, "out", "", "write a JSON summary to this file")

	return cmd
}

func writeJSON(path string, summary *loadtest.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
