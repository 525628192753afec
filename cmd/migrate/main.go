// Command migrate applies the certd schema and seed files to PostgreSQL.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"certledger.org/internal/migrate"
	"certledger.org/internal/store/pg"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("migrate:"), err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "migrate",
		Usage: "manage the certd PostgreSQL schema",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dsn", EnvVars: []string{"CERTD_PG_DSN"}, Required: true, Usage: "PostgreSQL DSN"},
			&cli.StringFlag{Name: "migrations", Usage: "directory of SQL migrations (default: embedded)"},
			&cli.StringFlag{Name: "seeds", Usage: "directory of SQL seeds (default: embedded)"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second},
		},
		Commands: []*cli.Command{
			{Name: "up", Usage: "apply pending migrations", Action: run(func(ctx context.Context, m *migrate.Manager, _ *cli.Context) error {
				return m.Up(ctx)
			})},
			{Name: "down", Usage: "roll back the latest migration", Action: run(func(ctx context.Context, m *migrate.Manager, _ *cli.Context) error {
				return m.Down(ctx)
			})},
			{Name: "seed", Usage: "load seed members", Action: run(func(ctx context.Context, m *migrate.Manager, _ *cli.Context) error {
				return m.Seed(ctx)
			})},
			{Name: "status", Usage: "list applied migrations", Action: run(func(ctx context.Context, m *migrate.Manager, c *cli.Context) error {
				rep, err := m.Status(ctx)
				if err != nil {
					return err
				}
				w := c.App.Writer
				for _, a := range rep.Applied {
					fmt.Fprintf(w, "%s  %s  %s\n", color.GreenString("applied "), a.AppliedAt.Format(time.RFC3339), a.Name)
				}
				for _, name := range rep.Pending {
					fmt.Fprintf(w, "%s  %s\n", color.YellowString("pending "), name)
				}
				for _, name := range rep.Modified {
					fmt.Fprintf(w, "%s  %s\n", color.RedString("modified"), name)
				}
				if len(rep.Modified) > 0 {
					return cli.Exit("applied migrations were edited", 3)
				}
				return nil
			})},
		},
	}
}

type step func(ctx context.Context, m *migrate.Manager, c *cli.Context) error

func run(fn step) cli.ActionFunc {
	return func(c *cli.Context) error {
		store, err := pg.Open(c.String("dsn"))
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("ping db: %w", err)
		}

		mgr := migrate.NewManager(store.DB(),
			source(c.String("migrations"), migrate.Migrations()),
			source(c.String("seeds"), migrate.Seeds()),
		)
		if err := fn(ctx, mgr, c); err != nil {
			var exit cli.ExitCoder
			if errors.As(err, &exit) {
				return err
			}
			return fmt.Errorf("%s: %w", c.Command.Name, err)
		}
		return nil
	}
}

func source(dir string, embedded fs.FS) fs.FS {
	if dir == "" {
		return embedded
	}
	return os.DirFS(dir)
}
