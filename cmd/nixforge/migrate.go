package main

import (
	"flag"
	"fmt"

	"github.com/nixforge/nixforge/internal/config"
	"github.com/nixforge/nixforge/internal/database"
)

const migrateHelp = `migrate - apply schema migrations to the data store

Example:
  % NIXFORGE_DATABASE_URL=postgres://localhost/nixforge nixforge migrate
`

func migrate(args []string) error {
	fset := flag.NewFlagSet("migrate", flag.ExitOnError)
	fset.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := database.Migrate(cfg.Database.URL); err != nil {
		return err
	}
	fmt.Println("schema is up to date")
	return nil
}
