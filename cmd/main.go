package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/metal-stack/backup-engine/cmd/internal/audit"
	"github.com/metal-stack/backup-engine/cmd/internal/backup"
	"github.com/metal-stack/backup-engine/cmd/internal/backup/offsite"
	"github.com/metal-stack/backup-engine/cmd/internal/backup/offsite/gcp"
	"github.com/metal-stack/backup-engine/cmd/internal/backup/offsite/local"
	"github.com/metal-stack/backup-engine/cmd/internal/backup/offsite/s3"
	"github.com/metal-stack/backup-engine/cmd/internal/backup/store"
	"github.com/metal-stack/backup-engine/cmd/internal/database"
	"github.com/metal-stack/backup-engine/cmd/internal/database/mysql"
	"github.com/metal-stack/backup-engine/cmd/internal/database/postgres"
	"github.com/metal-stack/backup-engine/cmd/internal/encryption"
	"github.com/metal-stack/backup-engine/cmd/internal/metrics"
	"github.com/metal-stack/backup-engine/cmd/internal/probe"
	"github.com/metal-stack/backup-engine/cmd/internal/scheduler"
	"github.com/metal-stack/backup-engine/cmd/internal/utils"
	"github.com/metal-stack/backup-engine/pkg/constants"
	"github.com/metal-stack/metal-lib/pkg/pointer"
	"github.com/metal-stack/v"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/yaml"
)

const (
	moduleName  = "backup-engine"
	cfgFileType = "yaml"

	// Flags
	logLevelFlg = "log-level"
	outputFlg   = "output"

	enabledFlg     = "enabled"
	scheduleFlg    = "schedule"
	metricsAddrFlg = "metrics-addr"
	auditLogFlg    = "audit-log"

	pathFlg               = "path"
	retentionDaysFlg      = "retention-days"
	compressionEnabledFlg = "compression-enabled"
	compressionLevelFlg   = "compression-level"
	lockFileFlg           = "lock-file"

	databaseFlg                 = "db"
	databaseHostFlg             = "db-host"
	databasePortFlg             = "db-port"
	databaseNameFlg             = "db-name"
	databaseUserFlg             = "db-user"
	databasePasswordFlg         = "db-password"
	databaseTimeoutFlg          = "db-timeout"
	databaseMinClientVersionFlg = "db-min-client-version"

	offsiteProviderFlg      = "offsite-provider"
	objectPrefixFlg         = "object-prefix"
	offsiteEncryptionKeyFlg = "offsite-encryption-key"

	localOffsitePathFlg = "local-offsite-path"

	gcpBucketNameFlg     = "gcp-bucket-name"
	gcpBucketLocationFlg = "gcp-bucket-location"
	gcpProjectFlg        = "gcp-project"

	s3BucketNameFlg = "s3-bucket-name"
	s3RegionFlg     = "s3-region"
	s3EndpointFlg   = "s3-endpoint"
	s3AccessKeyFlg  = "s3-access-key"
	//nolint
	s3SecretKeyFlg = "s3-secret-key"
)

var (
	cfgFile     string
	logger      *zap.SugaredLogger
	db          database.Database
	replicators []offsite.Replicator
	service     *backup.Service
	notifier    audit.Notifier
	closers     []func()
	stop        context.Context
)

var rootCmd = &cobra.Command{
	Use:          moduleName,
	Short:        "creates, rotates and restores compressed database dumps on a schedule",
	Version:      v.V.String(),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		initConfig()
		initSignalHandlers()
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "starts the backup engine",
	Long:  "the backup engine waits until the database is available and then takes backups according to the schedule. backups older than the retention window are deleted after every backup.",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return initService(true)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Infow("starting backup-engine", "version", v.V, "path", service.Dir())

		m := service.Metrics()

		g, ctx := errgroup.WithContext(stop)

		if addr := viper.GetString(metricsAddrFlg); addr != "" {
			g.Go(func() error {
				return m.Serve(ctx, logger.Named("metrics"), addr)
			})
		}

		g.Go(func() error {
			if err := probe.Start(ctx, logger.Named("probe"), db); err != nil {
				return err
			}

			if err := checkClientVersion(ctx); err != nil {
				return err
			}

			for _, r := range replicators {
				if err := r.EnsureTarget(ctx); err != nil {
					return fmt.Errorf("error ensuring offsite target %s: %w", r.Name(), err)
				}
			}

			s, err := scheduler.New(logger.Named("scheduler"), &scheduler.Config{
				Enabled:  pointer.Pointer(viper.GetBool(enabledFlg)),
				Schedule: viper.GetString(scheduleFlg),
			}, service)
			if err != nil {
				return err
			}

			err = s.Start(ctx)
			if err != nil && !errors.Is(err, scheduler.ErrInvalidSchedule) {
				return err
			}

			<-ctx.Done()
			s.Stop()

			return nil
		})

		return g.Wait()
	},
}

var createBackupCmd = &cobra.Command{
	Use:   "create-backup",
	Short: "takes a database backup out of the regular schedule",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return initService(false)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkClientVersion(stop); err != nil {
			return err
		}

		a, err := service.CreateBackup(stop, store.KindManual)
		if err != nil {
			return err
		}

		return printArtifacts([]*store.Artifact{a})
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "lists available backups",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return initService(false)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		artifacts, err := service.ListBackups(stop)
		if err != nil {
			return fmt.Errorf("error listing backups: %w", err)
		}

		return printArtifacts(artifacts)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <name>",
	Short: "verifies that a backup is usable for a restore",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return initService(false)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := service.VerifyBackup(stop, args[0])
		if err != nil {
			return err
		}

		if err := printObject(result); err != nil {
			return err
		}

		if !result.Valid {
			return fmt.Errorf("backup %s is invalid: %s", result.Name, result.Reason)
		}

		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <name>",
	Aliases: []string{"rm"},
	Short:   "deletes a backup and its offsite copies",
	Args:    cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return initService(false)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		err := service.DeleteBackup(stop, args[0])
		if err != nil {
			return err
		}

		logger.Infow("deleted backup", "name", args[0])

		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "restores a specific backup into the database",
	Long:  "restores a specific backup into the database. the restore is not transactional, make sure no application is writing to the database in the meantime.",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return initService(false)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		err := service.RestoreBackup(stop, args[0])
		if err != nil {
			return err
		}

		logger.Infow("restored backup", "name", args[0])

		return nil
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "deletes all backups older than the retention window",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return initService(false)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := service.RotateBackups(stop)
		if err != nil {
			return err
		}

		if err := printObject(result); err != nil {
			return err
		}

		if len(result.Failed) > 0 {
			return fmt.Errorf("%d expired backups could not be deleted", len(result.Failed))
		}

		return nil
	},
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt <src> <dest>",
	Short: "decrypts an encrypted offsite copy of a backup",
	Long:  "decrypts an offsite copy that was uploaded with an encryption key. the result can be placed into the backup directory for a restore.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, dest := args[0], args[1]
		if !encryption.IsEncrypted(src) {
			return fmt.Errorf("%s does not carry the %s suffix", src, encryption.Suffix)
		}

		e, err := initEncrypter()
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("%s must be set for decryption", offsiteEncryptionKeyFlg)
		}

		if err := e.DecryptFile(src, dest); err != nil {
			return fmt.Errorf("error decrypting %s: %w", src, err)
		}

		logger.Infow("decrypted offsite copy", "src", src, "dest", dest)

		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger == nil {
			panic(err)
		}
		logger.Fatalw("failed executing root command", "error", err)
	}
}

func init() {
	cobra.OnFinalize(func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	})

	rootCmd.AddCommand(startCmd, createBackupCmd, listCmd, verifyCmd, deleteCmd, restoreCmd, rotateCmd, decryptCmd)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "alternative path to config file")
	rootCmd.PersistentFlags().StringP(logLevelFlg, "", "info", "sets the application log level")
	rootCmd.PersistentFlags().StringP(outputFlg, "o", "table", "the output format of command results [table|yaml|json]")
	rootCmd.PersistentFlags().StringP(auditLogFlg, "", constants.AuditLogPath, "the file audit entries are written to, if empty they are written to the application log")

	rootCmd.PersistentFlags().StringP(pathFlg, "", constants.BackupDir, "the directory the backups are stored in")
	rootCmd.PersistentFlags().IntP(retentionDaysFlg, "", constants.DefaultRetentionDays, "backups older than this amount of days are deleted, 0 disables rotation")
	rootCmd.PersistentFlags().BoolP(compressionEnabledFlg, "", true, "compress backups with gzip")
	rootCmd.PersistentFlags().IntP(compressionLevelFlg, "", constants.DefaultCompressionLevel, "the gzip compression level (0-9)")
	rootCmd.PersistentFlags().StringP(lockFileFlg, "", "", "the lock file serializing backup operations across processes, defaults to .backup.lock in the backup directory")

	rootCmd.PersistentFlags().StringP(databaseFlg, "", "postgres", "the kind of the database [postgres|mysql]")
	rootCmd.PersistentFlags().StringP(databaseHostFlg, "", "127.0.0.1", "the database address")
	rootCmd.PersistentFlags().IntP(databasePortFlg, "", 0, "the database port, defaults to the default port of the database kind")
	rootCmd.PersistentFlags().StringP(databaseNameFlg, "", "clinic", "the name of the database to back up")
	rootCmd.PersistentFlags().StringP(databaseUserFlg, "", "postgres", "the database user")
	rootCmd.PersistentFlags().StringP(databasePasswordFlg, "", "", "the database password")
	rootCmd.PersistentFlags().StringP(databaseTimeoutFlg, "", "", "the maximum duration of a single dump or restore, e.g. 30m (no limit if empty)")
	rootCmd.PersistentFlags().StringP(databaseMinClientVersionFlg, "", "", "a semver constraint the dump client has to satisfy, e.g. >= 16 (will be used when db is postgres)")

	rootCmd.PersistentFlags().StringP(offsiteProviderFlg, "", "", "replicates backups to an offsite target [gcp|s3|local], disabled if empty")
	rootCmd.PersistentFlags().StringP(objectPrefixFlg, "", "", "the prefix to store the objects in the offsite bucket")
	rootCmd.PersistentFlags().StringP(offsiteEncryptionKeyFlg, "", "", "if set, offsite copies are encrypted with this 32 character AES-256 key")

	rootCmd.PersistentFlags().StringP(localOffsitePathFlg, "", "", "the directory backups are copied to (will be used when offsite provider is local)")

	rootCmd.PersistentFlags().StringP(gcpBucketNameFlg, "", "", "the name of the gcp backup bucket")
	rootCmd.PersistentFlags().StringP(gcpBucketLocationFlg, "", "", "the location of the gcp backup bucket")
	rootCmd.PersistentFlags().StringP(gcpProjectFlg, "", "", "the project id to place the gcp backup bucket in")

	rootCmd.PersistentFlags().StringP(s3BucketNameFlg, "", "", "the name of the s3 backup bucket")
	rootCmd.PersistentFlags().StringP(s3RegionFlg, "", "", "the region of the s3 backup bucket")
	rootCmd.PersistentFlags().StringP(s3EndpointFlg, "", "", "the url to the s3 endpoint")
	rootCmd.PersistentFlags().StringP(s3AccessKeyFlg, "", "", "the s3 access-key-id")
	rootCmd.PersistentFlags().StringP(s3SecretKeyFlg, "", "", "the s3 secret-key-id")

	err := viper.BindPFlags(rootCmd.PersistentFlags())
	if err != nil {
		fmt.Printf("unable to construct root command: %v", err)
		os.Exit(1)
	}

	startCmd.Flags().BoolP(enabledFlg, "", true, "take backups automatically according to the schedule")
	startCmd.Flags().StringP(scheduleFlg, "", constants.DefaultSchedule, "cron schedule for taking backups periodically")
	startCmd.Flags().StringP(metricsAddrFlg, "", ":2112", "the address to serve prometheus metrics on, disabled if empty")

	err = viper.BindPFlags(startCmd.Flags())
	if err != nil {
		fmt.Printf("unable to construct start command: %v", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BACKUP_ENGINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetConfigType(cfgFileType)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			logger.Fatalw("config file path set explicitly, but unreadable", "error", err)
		}
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath("/etc/" + moduleName)
		viper.AddConfigPath("$HOME/." + moduleName)
		viper.AddConfigPath(".")
		if err := viper.ReadInConfig(); err != nil {
			usedCfg := viper.ConfigFileUsed()
			if usedCfg != "" {
				logger.Fatalw("config file unreadable", "config-file", usedCfg, "error", err)
			}
		}
	}

	usedCfg := viper.ConfigFileUsed()
	if usedCfg != "" {
		logger.Infow("read config file", "config-file", usedCfg)
	}
}

func initLogging() {
	level := zap.InfoLevel

	var err error
	if viper.IsSet(logLevelFlg) {
		level, err = zapcore.ParseLevel(viper.GetString(logLevelFlg))
		if err != nil {
			log.Fatalf("can't initialize zap logger: %v", err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}

	logger = l.Sugar()
}

func initSignalHandlers() {
	// don't need to store
	stop, _ = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func initDatabase() error {
	timeout, err := utils.ParseTimeInterval(viper.GetString(databaseTimeoutFlg))
	if err != nil {
		return err
	}

	conn := database.ConnectionConfig{
		Host:     viper.GetString(databaseHostFlg),
		Port:     viper.GetInt(databasePortFlg),
		Name:     viper.GetString(databaseNameFlg),
		User:     viper.GetString(databaseUserFlg),
		Password: viper.GetString(databasePasswordFlg),
	}

	dbString := viper.GetString(databaseFlg)

	switch dbString {
	case "postgres":
		if conn.Port == 0 {
			conn.Port = 5432
		}
		db, err = postgres.New(logger.Named("postgres"), &postgres.Config{Connection: conn, Timeout: timeout})
	case "mysql":
		if conn.Port == 0 {
			conn.Port = 3306
		}
		db, err = mysql.New(logger.Named("mysql"), &mysql.Config{Connection: conn, Timeout: timeout})
	default:
		return fmt.Errorf("unsupported database type: %s", dbString)
	}
	if err != nil {
		return fmt.Errorf("error initializing database adapter: %w", err)
	}

	logger.Infow("initialized database adapter", "type", dbString, "host", conn.Host, "port", conn.Port, "database", conn.Name)

	return nil
}

func checkClientVersion(ctx context.Context) error {
	constraint := viper.GetString(databaseMinClientVersionFlg)
	if constraint == "" {
		return nil
	}

	pg, ok := db.(*postgres.Postgres)
	if !ok {
		logger.Warnw("client version check is only supported for postgres, skipping", "db", viper.GetString(databaseFlg))
		return nil
	}

	return pg.CheckClientVersion(ctx, constraint)
}

func initReplicators() error {
	providerString := viper.GetString(offsiteProviderFlg)
	if providerString == "" {
		return nil
	}

	var (
		r   offsite.Replicator
		err error
	)
	switch providerString {
	case "gcp":
		r, err = gcp.New(
			stop,
			logger.Named("offsite"),
			&gcp.Config{
				ObjectPrefix:   viper.GetString(objectPrefixFlg),
				ProjectID:      viper.GetString(gcpProjectFlg),
				BucketName:     viper.GetString(gcpBucketNameFlg),
				BucketLocation: viper.GetString(gcpBucketLocationFlg),
			},
		)
	case "s3":
		r, err = s3.New(
			stop,
			logger.Named("offsite"),
			&s3.Config{
				ObjectPrefix: viper.GetString(objectPrefixFlg),
				Region:       viper.GetString(s3RegionFlg),
				BucketName:   viper.GetString(s3BucketNameFlg),
				Endpoint:     viper.GetString(s3EndpointFlg),
				AccessKey:    viper.GetString(s3AccessKeyFlg),
				SecretKey:    viper.GetString(s3SecretKeyFlg),
			},
		)
	case "local":
		r, err = local.New(
			logger.Named("offsite"),
			&local.Config{
				Path: viper.GetString(localOffsitePathFlg),
			},
		)
	default:
		return fmt.Errorf("unsupported offsite provider type: %s", providerString)
	}
	if err != nil {
		return fmt.Errorf("error initializing offsite provider: %w", err)
	}

	e, err := initEncrypter()
	if err != nil {
		return err
	}
	if e != nil {
		r = offsite.WithEncryption(r, e, nil)
	}

	replicators = append(replicators, r)

	logger.Infow("initialized offsite provider", "type", providerString, "encrypted", e != nil)

	return nil
}

func initEncrypter() (*encryption.Encrypter, error) {
	key := viper.GetString(offsiteEncryptionKeyFlg)
	if key == "" {
		return nil, nil
	}

	e, err := encryption.New(logger.Named("encryption"), &encryption.Config{Key: key})
	if err != nil {
		return nil, fmt.Errorf("error initializing encryption: %w", err)
	}

	return e, nil
}

func initAudit(async bool) {
	path := viper.GetString(auditLogFlg)

	var n audit.Notifier
	if path == "" {
		n = audit.NewLogNotifier(logger.Desugar().Named("audit"))
	} else {
		fileNotifier, closeFile := audit.NewFileNotifier(path)
		closers = append(closers, func() {
			if err := closeFile(); err != nil {
				logger.Errorw("error closing audit log", "error", err)
			}
		})
		n = fileNotifier
	}

	if async {
		a := audit.NewAsync(logger.Named("audit"), n, 0)
		closers = append(closers, a.Close)
		n = a
	}

	notifier = n
}

func initService(async bool) error {
	if err := initDatabase(); err != nil {
		return err
	}
	if err := initReplicators(); err != nil {
		return err
	}

	initAudit(async)

	config := &backup.Config{
		Path:          viper.GetString(pathFlg),
		RetentionDays: pointer.Pointer(viper.GetInt(retentionDaysFlg)),
		Compression: backup.CompressionConfig{
			Enabled: pointer.Pointer(viper.GetBool(compressionEnabledFlg)),
			Level:   pointer.Pointer(viper.GetInt(compressionLevelFlg)),
		},
		Dumper:      db,
		Metrics:     metrics.New(),
		Notifier:    notifier,
		Replicators: replicators,
	}
	if viper.IsSet(lockFileFlg) {
		config.LockFile = pointer.Pointer(viper.GetString(lockFileFlg))
	}

	var err error
	service, err = backup.New(logger.Named("backup"), config)
	if err != nil {
		return fmt.Errorf("error initializing backup service: %w", err)
	}

	return nil
}

func printArtifacts(artifacts []*store.Artifact) error {
	if viper.GetString(outputFlg) != "table" {
		return printObject(artifacts)
	}

	var data [][]string
	for _, a := range artifacts {
		data = append(data, []string{
			a.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			a.Name,
			strconv.FormatInt(a.SizeBytes, 10),
			strconv.FormatBool(a.Compressed),
			string(a.Kind),
		})
	}

	return utils.NewTablePrinter().Print([]string{"Date", "Name", "Size", "Compressed", "Kind"}, data)
}

func printObject(o any) error {
	var (
		raw []byte
		err error
	)

	switch format := viper.GetString(outputFlg); format {
	case "json":
		raw, err = json.MarshalIndent(o, "", "  ")
	case "yaml", "table":
		raw, err = yaml.Marshal(o)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
	if err != nil {
		return err
	}

	fmt.Println(string(raw))

	return nil
}
