package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/circlelink/linkage-core/internal/authz"
	"github.com/circlelink/linkage-core/internal/domain"
	"github.com/circlelink/linkage-core/internal/repo"
	"github.com/circlelink/linkage-core/internal/scheduler"
	"github.com/circlelink/linkage-core/internal/services"
)

// subFlags builds the flag set of one command; --help prints its usage.
func subFlags(e *env, name, argsUsage string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(e.out)
	fs.Usage = func() {
		fmt.Fprintf(e.out, "Usage: linkctl %s [flags] %s\n\n%s", name, argsUsage, fs.FlagUsages())
	}
	return fs
}

// parseArgs parses args and checks the number of positional arguments.
func parseArgs(fs *pflag.FlagSet, args []string, want int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, errUsage
	}
	if fs.NArg() != want {
		fs.Usage()
		return nil, errUsage
	}
	return fs.Args(), nil
}

// helpOK turns --help into a clean exit.
func helpOK(err error) error {
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

func cmdMigrate(_ context.Context, e *env, args []string) error {
	fs := subFlags(e, "migrate", "")
	if _, err := parseArgs(fs, args, 0); err != nil {
		return helpOK(err)
	}
	if err := repo.AutoMigrate(e.db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintln(e.out, "schema up to date")
	return nil
}

func cmdResolve(ctx context.Context, e *env, args []string) error {
	fs := subFlags(e, "resolve", "<hash-id>")
	full := fs.Bool("full", false, "print the whole record graph instead of the public entry")
	rest, err := parseArgs(fs, args, 1)
	if err != nil {
		return helpOK(err)
	}
	hashID := rest[0]

	pub, err := e.core.Queries.ResolvePublic(ctx, hashID)
	if err != nil {
		return err
	}
	if !*full {
		return printJSON(e.out, pub)
	}

	var record any
	switch pub.Kind {
	case domain.KindApplication:
		record, err = e.core.Queries.LookupApplication(ctx, e.actor, hashID)
	case domain.KindTicket:
		record, err = e.core.Queries.LookupTicket(ctx, e.actor, hashID)
	default:
		record = pub
	}
	if err != nil {
		return err
	}
	entry, err := e.core.Registry.Resolve(ctx, hashID)
	if err != nil {
		return err
	}
	count, latest, err := repo.StatusLogStats(ctx, e.db, entry.RecordID)
	if err != nil {
		return err
	}
	return printJSON(e.out, fullView{Record: record, AuditEntries: count, LastChange: latest})
}

// fullView is what resolve --full prints.
type fullView struct {
	Record       any        `json:"record"`
	AuditEntries int64      `json:"audit_entries"`
	LastChange   *time.Time `json:"last_change,omitempty"`
}

func cmdResetUsed(ctx context.Context, e *env, args []string) error {
	fs := subFlags(e, "reset-used", "<ticket-hash-id>")
	reason := fs.String("reason", "", "why the scan is undone (required)")
	rest, err := parseArgs(fs, args, 1)
	if err != nil {
		return helpOK(err)
	}
	if strings.TrimSpace(*reason) == "" {
		fs.Usage()
		return errUsage
	}
	ch, err := e.core.Ledger.ResetTicketUsed(ctx, e.actor, rest[0], *reason)
	if err != nil {
		return err
	}
	log.Info().Str("hash_id", rest[0]).Str("actor", e.actor.ActorID).Msg("ticket reset")
	return printJSON(e.out, ch)
}

func cmdDelete(ctx context.Context, e *env, args []string) error {
	fs := subFlags(e, "delete", "<hash-id>")
	rest, err := parseArgs(fs, args, 1)
	if err != nil {
		return helpOK(err)
	}
	hashID := rest[0]
	if !e.assumeOK && !confirm(e, fmt.Sprintf("delete %s and everything linked to it?", hashID)) {
		return errors.New("aborted")
	}
	if err := e.core.Linkage.CascadingDelete(ctx, e.actor, hashID); err != nil {
		return err
	}
	log.Info().Str("hash_id", hashID).Str("actor", e.actor.ActorID).Msg("record deleted")
	fmt.Fprintf(e.out, "deleted %s\n", hashID)
	return nil
}

// confirm asks on stdin; anything but y/yes declines.
func confirm(e *env, question string) bool {
	fmt.Fprintf(e.out, "%s [y/N] ", question)
	line, _ := bufio.NewReader(stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// layoutFile is the YAML shape read by reassign:
//
//	event: ev-2024
//	slots:
//	  - label: A-01
//	    application_hash_id: SC2401...
//	  - label: A-02
type layoutFile struct {
	Event string                    `yaml:"event"`
	Slots []services.SlotAssignment `yaml:"slots"`
}

func readLayout(path string) (*layoutFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lf layoutFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&lf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, s := range lf.Slots {
		if strings.TrimSpace(s.Label) == "" {
			return nil, fmt.Errorf("parse %s: slot %d has no label", path, i)
		}
	}
	return &lf, nil
}

func cmdReassign(ctx context.Context, e *env, args []string) error {
	fs := subFlags(e, "reassign", "")
	event := fs.String("event", "", "event id; overrides the file")
	file := fs.StringP("file", "f", "", "YAML layout file (required)")
	if _, err := parseArgs(fs, args, 0); err != nil {
		return helpOK(err)
	}
	if *file == "" {
		fs.Usage()
		return errUsage
	}
	lf, err := readLayout(*file)
	if err != nil {
		return err
	}
	eventID := lf.Event
	if *event != "" {
		eventID = *event
	}
	if eventID == "" {
		return errors.New("no event: set --event or event: in the file")
	}

	res, err := e.core.Linkage.ReassignSpaces(ctx, e.actor, eventID, lf.Slots)
	if err != nil {
		var unk *services.UnknownReferenceError
		if errors.As(err, &unk) {
			return fmt.Errorf("applications not in %s: %s", eventID, strings.Join(unk.HashIDs, ", "))
		}
		return err
	}
	log.Info().Str("event_id", eventID).Int("slots", res.Slots).Msg("layout replaced")
	return printJSON(e.out, res)
}

func cmdPurge(ctx context.Context, e *env, args []string) error {
	fs := subFlags(e, "purge-idempotency", "")
	if _, err := parseArgs(fs, args, 0); err != nil {
		return helpOK(err)
	}
	s := &scheduler.Scheduler{DB: e.db}
	n, err := s.PurgeOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "purged %d expired idempotency rows\n", n)
	return nil
}

func cmdToken(_ context.Context, e *env, args []string) error {
	fs := subFlags(e, "token", "<actor-id>")
	roles := fs.StringSlice("role", nil, "role to grant; repeatable (admin, staff, door, gateway, system)")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	rest, err := parseArgs(fs, args, 1)
	if err != nil {
		return helpOK(err)
	}
	secret := e.getenv("JWT_SECRET")
	if len(secret) < 16 {
		return errors.New("JWT_SECRET must be set (16+ chars)")
	}

	ac := authz.Context{ActorID: rest[0]}
	for _, r := range *roles {
		switch role := authz.Role(strings.ToLower(strings.TrimSpace(r))); role {
		case authz.RoleAdmin, authz.RoleStaff, authz.RoleDoor, authz.RoleGateway, authz.RoleSystem:
			ac.Roles = append(ac.Roles, role)
		default:
			return fmt.Errorf("unknown role %q", r)
		}
	}
	tok, err := authz.IssueToken([]byte(secret), ac, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, tok)
	return nil
}
