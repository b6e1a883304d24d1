// Command migrate applies or lists pending schema migrations.
//
// Usage:
//
//	migrate [-config loist.yaml] apply
//	migrate [-config loist.yaml] pending
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/loist/loist/internal/config"
	"github.com/loist/loist/internal/database"
	"github.com/loist/loist/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "apply"
	}

	if err := run(*configPath, command); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, command string) error {
	if err := config.Load(configPath); err != nil {
		return err
	}
	cfg := config.Get()
	logger.Configure(cfg.Logging.Level, "console")

	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	migrator, err := database.NewMigrator(db)
	if err != nil {
		return err
	}

	switch command {
	case "apply":
		return migrator.Apply(database.Migrations())
	case "pending":
		pending, err := migrator.Pending(database.Migrations())
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("no pending migrations")
			return nil
		}
		for _, m := range pending {
			fmt.Printf("%s\t%s\n", m.Version, m.Description)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q (want apply or pending)", command)
	}
}
