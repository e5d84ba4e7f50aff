package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/metal-stack/backup-engine/cmd/internal/audit"
	backuperrors "github.com/metal-stack/backup-engine/cmd/internal/backup/errors"
	"github.com/metal-stack/backup-engine/cmd/internal/backup/offsite"
	"github.com/metal-stack/backup-engine/cmd/internal/backup/retention"
	"github.com/metal-stack/backup-engine/cmd/internal/backup/store"
	"github.com/metal-stack/backup-engine/cmd/internal/compress"
	"github.com/metal-stack/backup-engine/cmd/internal/database"
	"github.com/metal-stack/backup-engine/cmd/internal/metrics"
	"github.com/metal-stack/backup-engine/pkg/constants"
	"github.com/metal-stack/metal-lib/pkg/pointer"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	lockRetryDelay = 500 * time.Millisecond
	restorePurpose = "restore"
)

type (
	// Config holds the settings of the backup service. Unset values fall back to their defaults.
	Config struct {
		Path          string
		RetentionDays *int
		Compression   CompressionConfig
		// LockFile serializes mutating operations across processes, an empty string disables it
		LockFile *string

		FS          afero.Fs
		Dumper      database.Dumper
		Metrics     *metrics.Metrics
		Notifier    audit.Notifier
		Replicators []offsite.Replicator
		// Verifier is consulted by VerifyBackup for non-empty artifacts
		Verifier Verifier
		Now      func() time.Time
	}

	CompressionConfig struct {
		Enabled *bool
		Level   *int
	}

	// Verifier inspects the content of an artifact, returning an error marks it invalid
	Verifier interface {
		Verify(ctx context.Context, a *store.Artifact) error
	}

	// VerifyResult describes whether an artifact is usable for a restore
	VerifyResult struct {
		Name     string          `json:"name"`
		Valid    bool            `json:"valid"`
		Reason   string          `json:"reason,omitempty"`
		Artifact *store.Artifact `json:"artifact,omitempty"`
	}

	// RotateResult lists the artifacts removed by the retention policy
	RotateResult struct {
		Cutoff  time.Time         `json:"cutoff"`
		Deleted []*store.Artifact `json:"deleted"`
		Failed  []RotateFailure   `json:"failed,omitempty"`
	}

	RotateFailure struct {
		Name  string `json:"name"`
		Error string `json:"error"`
	}
)

func (c *Config) validate() error {
	if c.Path == "" {
		return errors.New("backup path must not be empty")
	}
	if c.Dumper == nil {
		return errors.New("backup service requires a dumper")
	}
	if err := compress.ValidateLevel(*c.Compression.Level); err != nil {
		return err
	}
	return nil
}

// Service creates, lists, verifies, restores and rotates backup artifacts
type Service struct {
	log         *zap.SugaredLogger
	config      *Config
	store       *store.Store
	catalog     *store.Catalog
	compressor  *compress.Compressor
	dumper      database.Dumper
	metrics     *metrics.Metrics
	notifier    audit.Notifier
	replicators []offsite.Replicator
	verifier    Verifier
	now         func() time.Time

	mu   sync.Mutex
	lock *flock.Flock
}

// New returns a backup service
func New(log *zap.SugaredLogger, config *Config) (*Service, error) {
	if config == nil {
		return nil, errors.New("backup service requires a config")
	}

	if config.Path == "" {
		config.Path = constants.BackupDir
	}
	if config.RetentionDays == nil {
		config.RetentionDays = pointer.Pointer(constants.DefaultRetentionDays)
	}
	if config.Compression.Enabled == nil {
		config.Compression.Enabled = pointer.Pointer(true)
	}
	if config.Compression.Level == nil {
		config.Compression.Level = pointer.Pointer(constants.DefaultCompressionLevel)
	}
	if config.LockFile == nil {
		config.LockFile = pointer.Pointer(filepath.Join(config.Path, constants.LockFileName))
	}
	if config.FS == nil {
		config.FS = afero.NewOsFs()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.New()
	}
	if config.Notifier == nil {
		config.Notifier = audit.Nop{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	err := config.validate()
	if err != nil {
		return nil, err
	}

	s := &Service{
		log:         log,
		config:      config,
		store:       store.New(config.FS, config.Path),
		catalog:     store.NewCatalog(config.FS, filepath.Join(config.Path, constants.CatalogFileName)),
		compressor:  compress.New(&compress.CompressorConfig{FS: config.FS}),
		dumper:      config.Dumper,
		metrics:     config.Metrics,
		notifier:    config.Notifier,
		replicators: config.Replicators,
		verifier:    config.Verifier,
		now:         config.Now,
	}

	if *config.LockFile != "" {
		s.lock = flock.New(*config.LockFile)
	}

	return s, nil
}

// Dir returns the artifact directory
func (s *Service) Dir() string {
	return s.store.Dir()
}

// Metrics returns the metrics the service reports to
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// CreateBackup dumps the database into a new artifact, compresses, catalogs and replicates it
// and finally applies the retention policy. Only a failing dump fails the creation.
func (s *Service) CreateBackup(ctx context.Context, kind store.Kind) (*store.Artifact, error) {
	start := s.now()

	release, err := s.acquire(ctx)
	if err != nil {
		s.metrics.CountError("create")
		return nil, fmt.Errorf("%w: %w", backuperrors.ErrBackupCreationFailed, err)
	}
	defer release()

	a, err := s.create(ctx, kind)
	if err != nil {
		s.notify(ctx, audit.ActionBackup, nameOf(a), err, nil)
		return nil, fmt.Errorf("%w: %w", backuperrors.ErrBackupCreationFailed, err)
	}

	s.metrics.CountBackup(a.SizeBytes, s.now().Sub(start))
	s.notify(ctx, audit.ActionBackup, a.Name, nil, map[string]any{
		"kind":       a.Kind,
		"size_bytes": a.SizeBytes,
		"compressed": a.Compressed,
	})

	s.log.Infow("backup created", "name", a.Name, "path", a.FilePath, "size", a.SizeBytes, "compressed", a.Compressed, "kind", a.Kind)

	return a, nil
}

// create returns the partially known artifact on error, so the failure can be attributed
func (s *Service) create(ctx context.Context, kind store.Kind) (*store.Artifact, error) {
	if err := s.store.Ensure(); err != nil {
		s.metrics.CountError("create")
		return nil, err
	}

	name, err := s.nextName()
	if err != nil {
		s.metrics.CountError("create")
		return nil, err
	}

	plainPath, compressedPath := s.store.Paths(name)
	pending := &store.Artifact{Name: name, Kind: kind}

	s.log.Infow("dumping database", "name", name, "path", plainPath)

	err = s.dumper.Dump(ctx, plainPath)
	if err != nil {
		s.metrics.CountError("dump")
		if !errors.Is(err, backuperrors.ErrDumpFailed) {
			err = fmt.Errorf("%w: %w", backuperrors.ErrDumpFailed, err)
		}
		s.log.Errorw("database dump failed", "name", name, "error", err)
		return pending, err
	}

	finalPath, compressed := plainPath, false
	if *s.config.Compression.Enabled {
		if s.compressTo(name, plainPath, compressedPath) {
			finalPath, compressed = compressedPath, true
		}
	}

	a, err := s.store.Stat(name, finalPath, compressed)
	if err != nil {
		// the dump succeeded, an unknown size does not fail the creation
		s.metrics.CountError("create")
		s.log.Errorw("could not stat backup file, size is unknown", "name", name, "path", finalPath, "error", err)
		a = &store.Artifact{
			Name:       name,
			FilePath:   finalPath,
			CreatedAt:  s.now(),
			Compressed: compressed,
		}
	}
	a.Kind = kind

	s.appendCatalog(a)
	s.replicate(ctx, a)

	if _, err := s.rotate(ctx); err != nil {
		s.metrics.CountError("rotate")
		s.log.Errorw("rotating backups failed", "error", err)
	}

	return a, nil
}

// compressTo returns whether the compressed variant is now the artifact
func (s *Service) compressTo(name, plainPath, compressedPath string) bool {
	exists, err := s.store.Exists(compressedPath)
	if err != nil {
		s.log.Warnw("could not check for compressed backup", "name", name, "error", err)
	}

	if exists {
		s.log.Infow("compressed backup already present, skipping compression", "name", name)
	} else {
		err := s.compressor.Compress(plainPath, compressedPath, *s.config.Compression.Level)
		if err != nil {
			s.metrics.CountError("compress")
			s.log.Errorw("unable to compress backup, keeping uncompressed file", "name", name, "error", err)
			return false
		}
	}

	if err := s.config.FS.Remove(plainPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warnw("could not remove uncompressed backup", "path", plainPath, "error", err)
	}

	return true
}

func (s *Service) appendCatalog(a *store.Artifact) {
	err := s.catalog.Append(a)
	if err == nil {
		return
	}

	var corrupted *store.CorruptedError
	if errors.As(err, &corrupted) {
		s.log.Warnw("backup catalog was corrupted and has been restarted", "moved-to", corrupted.MovedTo, "error", corrupted.Err)
		return
	}

	s.metrics.CountError("catalog")
	s.log.Errorw("could not append backup to catalog", "name", a.Name, "error", err)
}

func (s *Service) replicate(ctx context.Context, a *store.Artifact) {
	for _, r := range s.replicators {
		err := r.Upload(ctx, a.FilePath)
		if err != nil {
			s.metrics.CountError("replicate")
			s.log.Errorw("replicating backup failed", "target", r.Name(), "name", a.Name, "error", err)
			continue
		}
		s.log.Infow("replicated backup", "target", r.Name(), "name", a.Name)
	}
}

// nextName derives the artifact name from the clock, moving forward while the name is taken
func (s *Service) nextName() (string, error) {
	t := s.now()
	for i := 0; i < 1000; i++ {
		name := store.NewName(t)

		_, err := s.store.Resolve(name)
		if errors.Is(err, backuperrors.ErrBackupNotFound) {
			return name, nil
		}
		if err != nil {
			return "", err
		}

		t = t.Add(time.Millisecond)
	}

	return "", fmt.Errorf("no free backup name found after %s", store.NewName(t))
}

// ListBackups returns all artifacts of the backup directory, newest first.
// The kind is taken from the catalog where it has a record of the artifact.
func (s *Service) ListBackups(_ context.Context) ([]*store.Artifact, error) {
	artifacts, err := s.store.List()
	if err != nil {
		return nil, err
	}

	entries, err := s.catalog.Entries()
	if err != nil {
		s.log.Warnw("could not read backup catalog, listing without kinds", "error", err)
	}

	kinds := map[string]store.Kind{}
	for _, e := range entries {
		kinds[e.Name] = e.Kind
	}

	for _, a := range artifacts {
		a.Kind = kinds[a.Name]
	}

	return artifacts, nil
}

// VerifyBackup reports whether the artifact exists and is not empty. A missing artifact is
// reported as invalid rather than as an error.
func (s *Service) VerifyBackup(ctx context.Context, name string) (*VerifyResult, error) {
	result := &VerifyResult{Name: name}

	a, err := s.store.Resolve(name)
	if err != nil {
		if errors.Is(err, backuperrors.ErrBackupNotFound) {
			result.Reason = "backup not found"
			return result, nil
		}
		return nil, err
	}

	result.Artifact = a

	if a.SizeBytes <= 0 {
		result.Reason = "backup file is empty"
		return result, nil
	}

	if s.verifier != nil {
		if err := s.verifier.Verify(ctx, a); err != nil {
			result.Reason = err.Error()
			return result, nil
		}
	}

	result.Valid = true

	return result, nil
}

// DeleteBackup removes every variant of the artifact and its offsite copies
func (s *Service) DeleteBackup(ctx context.Context, name string) error {
	// a missing name must not touch the directory, not even through the lock file
	if _, err := s.store.Resolve(name); err != nil {
		return err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.delete(ctx, name)
	if err != nil {
		if !errors.Is(err, backuperrors.ErrBackupNotFound) {
			s.metrics.CountError("delete")
		}
		return err
	}

	return nil
}

func (s *Service) delete(ctx context.Context, name string) (*store.Artifact, error) {
	a, err := s.store.Remove(name)
	if err != nil {
		return nil, err
	}

	s.log.Infow("deleted backup", "name", name, "path", a.FilePath)

	plainPath, compressedPath := s.store.Paths(name)
	for _, r := range s.replicators {
		for _, p := range []string{compressedPath, plainPath} {
			if err := r.Delete(ctx, filepath.Base(p)); err != nil {
				s.metrics.CountError("replicate")
				s.log.Warnw("could not delete offsite copy", "target", r.Name(), "name", name, "error", err)
			}
		}
	}

	return a, nil
}

// RestoreBackup replays the artifact into the database. Compressed artifacts are decompressed into a
// hidden temporary file next to them, the artifact itself is never modified.
func (s *Service) RestoreBackup(ctx context.Context, name string) error {
	err := s.restoreLocked(ctx, name)
	if err != nil {
		if !errors.Is(err, backuperrors.ErrBackupNotFound) {
			s.metrics.CountError("restore")
		}
		s.notify(ctx, audit.ActionRestore, name, err, nil)
		return err
	}

	s.metrics.CountRestore()
	s.notify(ctx, audit.ActionRestore, name, nil, nil)

	return nil
}

func (s *Service) restoreLocked(ctx context.Context, name string) error {
	if _, err := s.store.Resolve(name); err != nil {
		return err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.restore(ctx, name)
}

func (s *Service) restore(ctx context.Context, name string) error {
	a, err := s.store.Resolve(name)
	if err != nil {
		return err
	}

	input := a.FilePath

	if a.Compressed {
		input = s.store.TempPath(name, restorePurpose)
		defer func() {
			if err := s.config.FS.Remove(input); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.log.Warnw("could not remove temporary restore file", "path", input, "error", err)
			}
		}()

		s.log.Infow("decompressing backup for restore", "name", name, "path", input)

		err = s.compressor.Decompress(a.FilePath, input)
		if err != nil {
			return err
		}
	}

	s.log.Infow("restoring backup", "name", name, "path", input)

	err = s.dumper.Restore(ctx, input)
	if err != nil {
		if !errors.Is(err, backuperrors.ErrRestoreFailed) {
			err = fmt.Errorf("%w: %w", backuperrors.ErrRestoreFailed, err)
		}
		return err
	}

	s.log.Infow("restored backup", "name", name)

	return nil
}

// RotateBackups deletes all artifacts older than the retention window. Individual deletion
// failures are collected in the result, they do not stop the rotation.
func (s *Service) RotateBackups(ctx context.Context) (*RotateResult, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := s.rotate(ctx)
	if err != nil {
		s.metrics.CountError("rotate")
		return nil, err
	}

	return result, nil
}

func (s *Service) rotate(ctx context.Context) (*RotateResult, error) {
	var (
		now    = s.now()
		result = &RotateResult{}
	)

	cutoff, enabled := retention.Cutoff(*s.config.RetentionDays, now)
	if !enabled {
		s.log.Debugw("retention disabled, skipping rotation", "retention-days", *s.config.RetentionDays)
		return result, nil
	}
	result.Cutoff = cutoff

	artifacts, err := s.store.List()
	if err != nil {
		return nil, err
	}

	for _, a := range retention.Expired(artifacts, *s.config.RetentionDays, now) {
		deleted, err := s.delete(ctx, a.Name)
		if err != nil {
			s.log.Errorw("could not delete expired backup", "name", a.Name, "error", err)
			result.Failed = append(result.Failed, RotateFailure{Name: a.Name, Error: err.Error()})
			continue
		}
		result.Deleted = append(result.Deleted, deleted)
	}

	if len(result.Failed) > 0 {
		s.metrics.CountError("rotate")
	}
	s.metrics.CountRotated(len(result.Deleted))

	s.log.Infow("rotated backups", "cutoff", cutoff, "deleted", len(result.Deleted), "failed", len(result.Failed))

	return result, nil
}

// acquire serializes mutating operations within the process and, with a lock file, across processes
func (s *Service) acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()

	if s.lock == nil {
		return s.mu.Unlock, nil
	}

	if err := s.config.FS.MkdirAll(filepath.Dir(s.lock.Path()), 0750); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("could not create lock file directory: %w", err)
	}

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("could not acquire lock %s: %w", s.lock.Path(), err)
	}
	if !locked {
		s.mu.Unlock()
		return nil, fmt.Errorf("could not acquire lock %s", s.lock.Path())
	}

	return func() {
		if err := s.lock.Unlock(); err != nil {
			s.log.Errorw("could not release lock", "path", s.lock.Path(), "error", err)
		}
		s.mu.Unlock()
	}, nil
}

func (s *Service) notify(ctx context.Context, action audit.Action, name string, err error, details map[string]any) {
	e := audit.Entry{
		Resource:  audit.ResourceBackup,
		Action:    action,
		Name:      name,
		Outcome:   audit.OutcomeSuccess,
		Timestamp: s.now(),
		Details:   details,
	}
	if err != nil {
		e.Outcome = audit.OutcomeFailure
		e.Error = err.Error()
	}

	s.notifier.Notify(ctx, e)
}

func nameOf(a *store.Artifact) string {
	if a == nil {
		return ""
	}
	return a.Name
}
