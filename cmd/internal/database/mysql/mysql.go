package mysql

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	backuperrors "github.com/metal-stack/backup-engine/cmd/internal/backup/errors"
	"github.com/metal-stack/backup-engine/cmd/internal/database"
	"github.com/metal-stack/backup-engine/cmd/internal/utils"
	"go.uber.org/zap"
)

const (
	mysqlDumpCmd    = "mysqldump"
	mysqlRestoreCmd = "mysql"
	mysqlAdminCmd   = "mysqladmin"
)

// MySQL implements the database interface
type MySQL struct {
	log      *zap.SugaredLogger
	executor executor
	conn     database.ConnectionConfig
	timeout  time.Duration
}

type executor interface {
	Execute(ctx context.Context, command *utils.Command) (string, error)
}

// Config configures the mysql dump and restore invocations
type Config struct {
	Connection database.ConnectionConfig
	// Timeout bounds a single dump or restore, zero means no timeout
	Timeout time.Duration
}

// New instantiates a new mysql database
func New(log *zap.SugaredLogger, config *Config) (*MySQL, error) {
	if config == nil {
		return nil, errors.New("mysql requires a config")
	}
	if config.Connection.Name == "" {
		return nil, errors.New("mysql database name must not be empty")
	}
	// the name is a positional argument of mysqldump and mysql
	if strings.HasPrefix(config.Connection.Name, "-") {
		return nil, fmt.Errorf("mysql database name %q must not start with a dash", config.Connection.Name)
	}
	if config.Timeout < 0 {
		return nil, errors.New("mysql timeout must not be negative")
	}

	return &MySQL{
		log:      log,
		executor: utils.NewExecutor(log),
		conn:     config.Connection,
		timeout:  config.Timeout,
	}, nil
}

// Dump takes a consistent sql dump of the database including routines
func (db *MySQL) Dump(ctx context.Context, outputPath string) error {
	args := append(db.connectionArgs(), "--single-transaction", "--routines", "--result-file="+outputPath, db.conn.Name)

	out, err := db.executor.Execute(ctx, &utils.Command{
		Name:    mysqlDumpCmd,
		Args:    args,
		Env:     db.env(),
		Timeout: db.timeout,
	})
	if err != nil {
		return fmt.Errorf("%w: error running %s: %w %s", backuperrors.ErrDumpFailed, mysqlDumpCmd, err, out)
	}

	db.log.Debugw("successfully took dump of mysql database", "output", out)

	return nil
}

// Restore streams the sql dump into the mysql client
func (db *MySQL) Restore(ctx context.Context, inputPath string) error {
	db.log.Warnw("restoring mysql database, restores are not transactional and a failure can leave the database in a mixed state", "file", inputPath)

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("%w: unable to open dump: %w", backuperrors.ErrRestoreFailed, err)
	}
	defer func() {
		_ = f.Close()
	}()

	args := append(db.connectionArgs(), db.conn.Name)

	out, err := db.executor.Execute(ctx, &utils.Command{
		Name:    mysqlRestoreCmd,
		Args:    args,
		Env:     db.env(),
		Stdin:   f,
		Timeout: db.timeout,
	})
	if err != nil {
		return fmt.Errorf("%w: error running %s: %w %s", backuperrors.ErrRestoreFailed, mysqlRestoreCmd, err, out)
	}

	db.log.Info("successfully restored mysql database")

	return nil
}

// Probe figures out if the database is running and available for taking backups.
func (db *MySQL) Probe(ctx context.Context) error {
	out, err := db.executor.Execute(ctx, &utils.Command{
		Name: mysqlAdminCmd,
		Args: append(db.connectionArgs(), "ping"),
		Env:  db.env(),
	})
	if err != nil {
		return fmt.Errorf("unable to ping mysql: %w %s", err, out)
	}
	return nil
}

func (db *MySQL) connectionArgs() []string {
	var args []string
	if db.conn.Host != "" {
		args = append(args, "--host="+db.conn.Host)
	}
	if db.conn.Port != 0 {
		args = append(args, "--port="+strconv.Itoa(db.conn.Port))
	}
	if db.conn.User != "" {
		args = append(args, "--user="+db.conn.User)
	}
	return args
}

func (db *MySQL) env() []string {
	var env []string
	if db.conn.Password != "" {
		env = append(env, "MYSQL_PWD="+db.conn.Password)
	}
	return env
}
