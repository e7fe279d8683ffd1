package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"revealguard.org/internal/migrate"
	migrations "revealguard.org/ops/migrations"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = pflag.String("dsn", os.Getenv("REVEALGUARD_PG_DSN"), "PostgreSQL DSN")
		dir            = pflag.String("dir", "", "read migrations from this directory instead of the embedded set")
		migrationsPath = pflag.String("migrations", "sql", "migrations directory inside the file set")
		seedsPath      = pflag.String("seeds", "seeds", "seeds directory inside the file set")
	)
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or REVEALGUARD_PG_DSN")
	}
	if pflag.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	var files fs.FS = migrations.FS
	if *dir != "" {
		files = os.DirFS(*dir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, files, *migrationsPath, *seedsPath)

	switch pflag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		report("applied", applied)
	case "down":
		var reverted string
		reverted, err = mgr.Down(ctx)
		if reverted != "" {
			fmt.Println("reverted", reverted)
		}
	case "seed":
		var seeded []string
		seeded, err = mgr.Seed(ctx)
		report("seeded", seeded)
	case "status":
		var statuses []migrate.Status
		statuses, err = mgr.Status(ctx)
		for _, s := range statuses {
			mark := " "
			if s.Applied {
				mark = "x"
			}
			fmt.Printf("[%s] %s\n", mark, s.Name)
		}
	default:
		log.Fatalf("unknown command %q", pflag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", pflag.Arg(0), err)
	}
}

func report(verb string, names []string) {
	if len(names) == 0 {
		fmt.Println("nothing to do")
		return
	}
	for _, n := range names {
		fmt.Println(verb, n)
	}
}
