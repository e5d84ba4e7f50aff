package database

import "context"

// Dumper produces and replays full snapshots of a database through external commands.
// Implementations hold no state across calls and never retry.
type Dumper interface {
	// Dump writes a full snapshot of the database to outputPath.
	//
	// A partially written outputPath is left on disk for diagnostics when the dump fails, callers must treat it as invalid.
	Dump(ctx context.Context, outputPath string) error

	// Restore replays the snapshot at inputPath against the database.
	//
	// A restore is not transactional, a failure midway can leave the database in a mixed state.
	Restore(ctx context.Context, inputPath string) error
}

type Prober interface {
	// Probe figures out if the database is running and available for taking backups.
	Probe(ctx context.Context) error
}

type Database interface {
	Dumper
	Prober
}

// ConnectionConfig contains the static credentials used to build the dump and restore command lines.
type ConnectionConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}
