package main

import (
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		os.Stderr.WriteString("rankd: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "rankd",
		Usage: "leaderboard ranking and caching engine",
		Commands: []*cli.Command{
			newServeCommand(),
			newMigrateCommand(),
			newLoadgenCommand(),
		},
		DefaultCommand: "serve",
	}
}
