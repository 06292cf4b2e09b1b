package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	var (
		databaseURL    string
		migrationsPath string
		down           bool
	)

	flag.StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	flag.StringVar(&migrationsPath, "migrations-path", "services/nyp/migrations", "path to migrations")
	flag.BoolVar(&down, "down", false, "roll every migration back")
	flag.Parse()

	if databaseURL == "" {
		panic("database-url is required")
	}

	m, err := migrate.New("file://"+migrationsPath, databaseURL)
	if err != nil {
		panic(err)
	}
	defer m.Close()

	if down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Println("no migrations to apply")
			return
		}
		panic(err)
	}

	fmt.Println("migrations applied successfully")
}
