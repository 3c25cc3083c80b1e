package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/okian/rankd/internal/loadgen"
)

func newLoadgenCommand() *cli.Command {
	return &cli.Command{
		Name:  "loadgen",
		Usage: "report generated scores to a running service and verify the ranks",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:9080", Usage: "base URL of the service"},
			&cli.StringFlag{Name: "leaderboard", Value: "experience", Usage: "leaderboard slug"},
			&cli.IntFlag{Name: "entities", Value: 1000, Usage: "number of distinct entities"},
			&cli.IntFlag{Name: "duplicates", Value: 100, Usage: "reports re-sent with a known event id"},
			&cli.IntFlag{Name: "workers", Value: 10, Usage: "concurrent submitters"},
			&cli.DurationFlag{Name: "settle", Value: 5 * time.Second, Usage: "wait before verifying ranks"},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second, Usage: "HTTP request timeout"},
			&cli.BoolFlag{Name: "verbose", Usage: "log each mismatch"},
		},
		Action: func(c *cli.Context) error {
			stats, err := loadgen.Run(c.Context, loadgenConfig(c))
			fmt.Printf("submitted=%d accepted=%d duplicate=%d rejected=%d failed=%d verified=%d mismatched=%d took=%s\n",
				stats.Submitted, stats.Accepted, stats.Duplicate, stats.Rejected, stats.Failed,
				stats.Verified, stats.Mismatched, stats.Duration)
			return err
		},
	}
}

func loadgenConfig(c *cli.Context) loadgen.Config {
	return loadgen.Config{
		BaseURL:     c.String("url"),
		Leaderboard: c.String("leaderboard"),
		Entities:    c.Int("entities"),
		Duplicates:  c.Int("duplicates"),
		Workers:     c.Int("workers"),
		Settle:      c.Duration("settle"),
		Timeout:     c.Duration("timeout"),
		Verbose:     c.Bool("verbose"),
	}
}
