package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	backuperrors "github.com/metal-stack/backup-engine/cmd/internal/backup/errors"
	"github.com/metal-stack/backup-engine/cmd/internal/database"
	"github.com/metal-stack/backup-engine/cmd/internal/utils"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
)

const (
	postgresDumpCmd    = "pg_dump"
	postgresRestoreCmd = "psql"
)

// Postgres implements the database interface
type Postgres struct {
	log      *zap.SugaredLogger
	executor executor
	conn     database.ConnectionConfig
	timeout  time.Duration
}

type executor interface {
	Execute(ctx context.Context, command *utils.Command) (string, error)
}

// Config configures the postgres dump and restore invocations
type Config struct {
	Connection database.ConnectionConfig
	// Timeout bounds a single dump or restore, zero means no timeout
	Timeout time.Duration
}

func (c *Config) validate() error {
	if c.Connection.Name == "" {
		return errors.New("postgres database name must not be empty")
	}
	if c.Connection.Port < 0 || c.Connection.Port > 65535 {
		return fmt.Errorf("postgres port %d is invalid", c.Connection.Port)
	}
	if c.Timeout < 0 {
		return errors.New("postgres timeout must not be negative")
	}
	return nil
}

// New instantiates a new postgres database
func New(log *zap.SugaredLogger, config *Config) (*Postgres, error) {
	if config == nil {
		return nil, errors.New("postgres requires a config")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Postgres{
		log:      log,
		executor: utils.NewExecutor(log),
		conn:     config.Connection,
		timeout:  config.Timeout,
	}, nil
}

// Dump takes a plain sql dump of the database
func (db *Postgres) Dump(ctx context.Context, outputPath string) error {
	args := append(db.connectionArgs(), "--format=plain", "--file="+outputPath)

	out, err := db.executor.Execute(ctx, &utils.Command{
		Name:    postgresDumpCmd,
		Args:    args,
		Env:     db.env(),
		Timeout: db.timeout,
	})
	if err != nil {
		return fmt.Errorf("%w: error running %s: %w %s", backuperrors.ErrDumpFailed, postgresDumpCmd, err, out)
	}

	db.log.Debugw("successfully took dump of postgres database", "output", out)

	return nil
}

// Restore replays a plain sql dump, stopping at the first error
func (db *Postgres) Restore(ctx context.Context, inputPath string) error {
	db.log.Warnw("restoring postgres database, restores are not transactional and a failure can leave the database in a mixed state", "file", inputPath)

	args := append(db.connectionArgs(), "--set", "ON_ERROR_STOP=1", "--file="+inputPath)

	out, err := db.executor.Execute(ctx, &utils.Command{
		Name:    postgresRestoreCmd,
		Args:    args,
		Env:     db.env(),
		Timeout: db.timeout,
	})
	if err != nil {
		return fmt.Errorf("%w: error running %s: %w %s", backuperrors.ErrRestoreFailed, postgresRestoreCmd, err, out)
	}

	db.log.Debugw("restored postgres database", "output", out)
	db.log.Info("successfully restored postgres database")

	return nil
}

// Probe figures out if the database is running and available for taking backups.
func (db *Postgres) Probe(ctx context.Context) error {
	dbc, err := sql.Open("postgres", db.connectionURL())
	if err != nil {
		return fmt.Errorf("unable to open postgres connection %w", err)
	}
	defer dbc.Close()

	err = dbc.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("unable to ping postgres connection %w", err)
	}

	return nil
}

// connectionURL keeps credentials out of the key=value syntax, which breaks on spaces and quotes
func (db *Postgres) connectionURL() string {
	host := db.conn.Host
	if db.conn.Port != 0 {
		host = net.JoinHostPort(db.conn.Host, strconv.Itoa(db.conn.Port))
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     host,
		Path:     "/" + db.conn.Name,
		RawQuery: url.Values{"sslmode": []string{"disable"}}.Encode(),
	}
	if db.conn.User != "" {
		u.User = url.UserPassword(db.conn.User, db.conn.Password)
	}

	return u.String()
}

func (db *Postgres) connectionArgs() []string {
	var args []string
	if db.conn.Host != "" {
		args = append(args, "--host="+db.conn.Host)
	}
	if db.conn.Port != 0 {
		args = append(args, "--port="+strconv.Itoa(db.conn.Port))
	}
	if db.conn.User != "" {
		args = append(args, "--username="+db.conn.User)
	}
	args = append(args, "--dbname="+db.conn.Name, "--no-password")
	return args
}

func (db *Postgres) env() []string {
	var env []string
	if db.conn.Password != "" {
		env = append(env, "PGPASSWORD="+db.conn.Password)
	}
	return env
}
