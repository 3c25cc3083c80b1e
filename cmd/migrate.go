package main

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
	"github.com/urfave/cli/v2"

	"github.com/okian/rankd/internal/adapters/repository"
	"github.com/okian/rankd/internal/adapters/repository/migrations"
	"github.com/okian/rankd/internal/config"
)

func newMigrateCommand() *cli.Command {
	dsn := &cli.StringFlag{
		Name:    "dsn",
		Usage:   "postgres DSN; defaults to the configured postgres_dsn",
		EnvVars: []string{"RANKD_POSTGRES_DSN"},
	}
	return &cli.Command{
		Name:  "migrate",
		Usage: "database migrations",
		Flags: []cli.Flag{dsn},
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "create migration tables",
				Action: withMigrator(func(c *cli.Context, m *migrate.Migrator) error {
					fmt.Printf("Initializing migration tables\n")
					return m.Init(c.Context)
				}),
			},
			{
				Name:  "migrate",
				Usage: "migrate database",
				Action: withMigrator(func(c *cli.Context, m *migrate.Migrator) error {
					if err := m.Lock(c.Context); err != nil {
						return err
					}
					defer func() { _ = m.Unlock(c.Context) }()

					group, err := m.Migrate(c.Context)
					if err != nil {
						return err
					}
					if group.IsZero() {
						fmt.Printf("No new migrations to run\n")
					} else {
						fmt.Printf("Migrated to %s\n", group)
					}
					return nil
				}),
			},
			{
				Name:  "rollback",
				Usage: "rollback the last migration group",
				Action: withMigrator(func(c *cli.Context, m *migrate.Migrator) error {
					if err := m.Lock(c.Context); err != nil {
						return err
					}
					defer func() { _ = m.Unlock(c.Context) }()

					group, err := m.Rollback(c.Context)
					if err != nil {
						return err
					}
					if group.IsZero() {
						fmt.Printf("No groups to roll back\n")
					} else {
						fmt.Printf("Rolled back %s\n", group)
					}
					return nil
				}),
			},
			{
				Name:  "status",
				Usage: "print migrations status",
				Action: withMigrator(func(c *cli.Context, m *migrate.Migrator) error {
					ms, err := m.MigrationsWithStatus(c.Context)
					if err != nil {
						return err
					}
					fmt.Printf("migrations: %s\n", ms)
					fmt.Printf("unapplied migrations: %s\n", ms.Unapplied())
					fmt.Printf("last migration group: %s\n", ms.LastGroup())
					return nil
				}),
			},
		},
	}
}

// withMigrator opens the database named by --dsn or the configuration and
// hands a migrator over the rankd migrations to action.
func withMigrator(action func(*cli.Context, *migrate.Migrator) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		dsn, err := migrationDSN(c.Context, c.String("dsn"))
		if err != nil {
			return err
		}
		db, err := repository.Open(c.Context, dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		return action(c, newMigrator(db))
	}
}

func newMigrator(db *bun.DB) *migrate.Migrator {
	return migrate.NewMigrator(db, migrations.Migrations)
}

func migrationDSN(ctx context.Context, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return "", err
	}
	if cfg.PostgresDSN == "" {
		return "", fmt.Errorf("%w: postgres_dsn is required for migrations", config.ErrInvalidConfig)
	}
	return cfg.PostgresDSN, nil
}
