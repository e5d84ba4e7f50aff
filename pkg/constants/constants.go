package constants

const (
	// DefaultRetentionDays is the number of days an artifact is kept before rotation removes it
	DefaultRetentionDays = 30
	// DefaultCompressionLevel is the gzip level used for new artifacts (9 = best compression)
	DefaultCompressionLevel = 9
	// DefaultSchedule takes a backup every night at 02:00
	DefaultSchedule = "0 2 * * *"

	EngineBaseDir = "/var/lib/backup-engine"

	// BackupDir is the directory where backup artifacts and the catalog live in
	BackupDir = EngineBaseDir + "/backups"
	// AuditLogPath is where audit entries for backups and restores are written to
	AuditLogPath = "/var/log/backup-engine/audit.log"
	// AuditLogMaxAgeDays is how long rotated audit log files are kept
	AuditLogMaxAgeDays = 365

	// CatalogFileName is the name of the append-only metadata log inside the backup directory
	CatalogFileName = "backup_log.json"
	// LockFileName is the name of the lock file guarding concurrent backup runs
	LockFileName = ".backup.lock"

	// ArtifactPrefix is the prefix of every backup artifact name
	ArtifactPrefix = "backup_"
	// PlainExtension is the suffix of uncompressed artifacts
	PlainExtension = ".sql"
	// CompressedExtension is the suffix of gzip compressed artifacts
	CompressedExtension = ".sql.gz"
)
