package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/metal-stack/backup-engine/cmd/internal/utils"
)

// CheckClientVersion verifies that the installed pg_dump satisfies the given semver constraint, e.g. ">= 15".
// An empty constraint always succeeds.
func (db *Postgres) CheckClientVersion(ctx context.Context, constraint string) error {
	if constraint == "" {
		return nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid pg_dump version constraint %q: %w", constraint, err)
	}

	// pg_dump --version
	// pg_dump (PostgreSQL) 16.2 (Debian 16.2-1.pgdg120+2)
	out, err := db.executor.Execute(ctx, &utils.Command{
		Name: postgresDumpCmd,
		Args: []string{"--version"},
	})
	if err != nil {
		return fmt.Errorf("unable to detect %s version: %w", postgresDumpCmd, err)
	}

	v, err := extractVersion(out)
	if err != nil {
		return err
	}

	if !c.Check(v) {
		return fmt.Errorf("%s version %s does not satisfy %q", postgresDumpCmd, v.String(), constraint)
	}

	db.log.Infow("postgres client version satisfies constraint", "version", v.String(), "constraint", constraint)

	return nil
}

func extractVersion(commandOutput string) (*semver.Version, error) {
	_, rest, found := strings.Cut(commandOutput, "PostgreSQL")
	if !found {
		return nil, fmt.Errorf("unable to detect postgres version in output %q", commandOutput)
	}

	fields := strings.Fields(strings.TrimLeft(rest, ") "))
	if len(fields) == 0 {
		return nil, fmt.Errorf("unable to detect postgres version in output %q", commandOutput)
	}

	v, err := semver.NewVersion(fields[0])
	if err != nil {
		return nil, fmt.Errorf("unable to parse postgres version in %q: %w", commandOutput, err)
	}

	return v, nil
}
