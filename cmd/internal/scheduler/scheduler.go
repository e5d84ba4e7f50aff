package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/metal-stack/backup-engine/cmd/internal/backup/store"
	"github.com/metal-stack/backup-engine/pkg/constants"
	"github.com/metal-stack/metal-lib/pkg/pointer"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrInvalidSchedule is returned by Start when the cron expression cannot be parsed
var ErrInvalidSchedule = errors.New("invalid backup schedule")

// Creator creates a single backup
type Creator interface {
	CreateBackup(ctx context.Context, kind store.Kind) (*store.Artifact, error)
}

// Config of the scheduler
type Config struct {
	// Enabled gates automatic backups, defaults to true
	Enabled *bool
	// Schedule is a standard cron expression or descriptor like @daily
	Schedule string
}

// Scheduler periodically triggers backup creations
type Scheduler struct {
	log     *zap.SugaredLogger
	config  *Config
	creator Creator

	mu     sync.Mutex
	cron   *cron.Cron
	entry  cron.EntryID
	cancel context.CancelFunc
}

// New returns a scheduler, it needs to be started with Start
func New(log *zap.SugaredLogger, config *Config, creator Creator) (*Scheduler, error) {
	if config == nil {
		return nil, errors.New("scheduler requires a config")
	}
	if creator == nil {
		return nil, errors.New("scheduler requires a backup creator")
	}

	if config.Enabled == nil {
		config.Enabled = pointer.Pointer(true)
	}
	if config.Schedule == "" {
		config.Schedule = constants.DefaultSchedule
	}

	return &Scheduler{
		log:     log,
		config:  config,
		creator: creator,
	}, nil
}

// Start schedules automatic backups. A malformed schedule is logged and reported with
// ErrInvalidSchedule, nothing is scheduled in that case.
func (s *Scheduler) Start(ctx context.Context) error {
	if !*s.config.Enabled {
		s.log.Infow("automatic backups are disabled, not scheduling any backups")
		return nil
	}

	schedule, err := cron.ParseStandard(s.config.Schedule)
	if err != nil {
		s.log.Errorw("backup schedule is invalid, not scheduling any backups", "schedule", s.config.Schedule, "error", err)
		return fmt.Errorf("%w %q: %w", ErrInvalidSchedule, s.config.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler is already started")
	}

	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(logger),
		// recover has to be the inner wrapper, a panic would otherwise keep the skip guard taken forever
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)

	jobCtx, cancel := context.WithCancel(ctx)

	s.entry = c.Schedule(schedule, cron.FuncJob(func() {
		s.run(jobCtx)
	}))
	s.cron = c
	s.cancel = cancel

	c.Start()

	s.log.Infow("scheduling next backup", "schedule", s.config.Schedule, "at", c.Entry(s.entry).Next.String())

	return nil
}

// Stop unschedules backups, cancels a running backup and waits for it to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}

	s.log.Infow("stopping backup scheduler")

	// cancel first so a running dump is killed instead of awaited
	s.cancel()
	<-s.cron.Stop().Done()

	s.cron = nil
	s.cancel = nil
}

// ExecuteNow synchronously creates a backup outside of the schedule
func (s *Scheduler) ExecuteNow(ctx context.Context) (*store.Artifact, error) {
	return s.creator.CreateBackup(ctx, store.KindManual)
}

// Next returns the time of the next scheduled backup, the zero time if nothing is scheduled
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return time.Time{}
	}

	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) run(ctx context.Context) {
	a, err := s.creator.CreateBackup(ctx, store.KindAutomatic)
	if err != nil {
		s.log.Errorw("scheduled backup failed", "error", err)
		return
	}

	s.log.Infow("scheduled backup finished", "name", a.Name, "size", a.SizeBytes)
}

// cronLogger routes the cron library logs into zap
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
