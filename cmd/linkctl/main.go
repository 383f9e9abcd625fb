// Command linkctl is the operator CLI of the linkage core. It talks to the
// database directly and acts as a system caller, so it is meant for
// maintenance hosts only.
//
// Usage:
//
//	linkctl [global flags] <command> [flags] [args]
//
// Commands: migrate, resolve, reset-used, delete, reassign, purge-idempotency,
// token. Run "linkctl <command> --help" for the flags of one command.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/authz"
	"github.com/circlelink/linkage-core/internal/config"
	"github.com/circlelink/linkage-core/internal/repo"
	"github.com/circlelink/linkage-core/internal/services"
	"github.com/circlelink/linkage-core/internal/sysutil"
)

// errUsage is returned after usage was printed; the exit code is 2.
var errUsage = errors.New("usage")

// stdin answers confirmation prompts.
var stdin io.Reader = os.Stdin

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{out: os.Stdout, errOut: os.Stderr, getenv: os.Getenv}
	if err := a.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "linkctl: %v\n", err)
		os.Exit(1)
	}
}

// app carries the process environment so tests can drive run directly.
type app struct {
	out    io.Writer
	errOut io.Writer
	getenv func(string) string
}

// env is what a command runs with once global flags are parsed.
type env struct {
	out      io.Writer
	getenv   func(string) string
	db       *gorm.DB
	core     *services.Core
	actor    authz.Context
	assumeOK bool
}

type command struct {
	summary string
	needsDB bool
	run     func(ctx context.Context, e *env, args []string) error
}

var commands = map[string]command{
	"migrate":           {"create or update the schema", true, cmdMigrate},
	"resolve":           {"show what a hash ID points to", true, cmdResolve},
	"reset-used":        {"undo the door scan of a ticket", true, cmdResetUsed},
	"delete":            {"delete an application or ticket with its dependents", true, cmdDelete},
	"reassign":          {"replace the space layout of an event from a YAML file", true, cmdReassign},
	"purge-idempotency": {"delete expired idempotency rows", true, cmdPurge},
	"token":             {"issue an API token for an actor", false, cmdToken},
}

func (a *app) run(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("linkctl", pflag.ContinueOnError)
	fs.SetOutput(a.errOut)
	fs.SetInterspersed(false)
	driver := fs.String("db-driver", sysutil.FirstNonEmpty(a.getenv("DB_DRIVER"), repo.DriverSQLite), "database driver: sqlite or postgres")
	path := fs.String("db-path", sysutil.FirstNonEmpty(a.getenv("DB_PATH"), "linkage.db"), "sqlite database file")
	dsn := fs.String("db-dsn", a.getenv("DB_DSN"), "postgres connection string")
	actor := fs.String("actor", sysutil.FirstNonEmpty(a.getenv("LINKCTL_ACTOR"), "linkctl"), "actor recorded in the status log")
	yes := fs.BoolP("yes", "y", sysutil.IsTruthy(a.getenv("LINKCTL_ASSUME_YES")), "do not ask before destructive commands")
	level := fs.String("log-level", sysutil.FirstNonEmpty(a.getenv("LOG_LEVEL"), "warn"), "log level")
	fs.Usage = func() { a.usage(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return errUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		a.usage(fs)
		return errUsage
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(a.errOut, "unknown command %q\n\n", rest[0])
		a.usage(fs)
		return errUsage
	}

	sysutil.SetupLogger(*level, true, "linkctl", a.errOut)
	e := &env{out: a.out, getenv: a.getenv, actor: authz.System(*actor), assumeOK: *yes}
	if cmd.needsDB {
		tx, lk, err := config.LoadTuning()
		if err != nil {
			return err
		}
		db, err := repo.Open(*driver, *path, *dsn)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		e.db = db
		e.core = services.New(db, services.OptionsFrom(tx, lk))
	}
	return cmd.run(ctx, e, rest[1:])
}

func (a *app) usage(fs *pflag.FlagSet) {
	fmt.Fprintf(a.errOut, "Usage: linkctl [global flags] <command> [flags] [args]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(a.errOut, "  %-18s %s\n", n, commands[n].summary)
	}
	fmt.Fprintf(a.errOut, "\nGlobal flags:\n%s", fs.FlagUsages())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
