// Package migrations holds the schema of the durable ranking store.
package migrations

import "github.com/uptrace/bun/migrate"

// Migrations is the ordered set applied by the migrate command and integration tests.
var Migrations = migrate.NewMigrations()

func init() {
	if err := Migrations.DiscoverCaller(); err != nil {
		panic(err)
	}
}
