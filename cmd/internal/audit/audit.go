package audit

import (
	"context"
	"sync"
	"time"

	"github.com/metal-stack/backup-engine/pkg/constants"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// ResourceBackup is the resource all entries of the backup engine refer to
	ResourceBackup = "backup"

	ActionBackup  Action = "BACKUP"
	ActionRestore Action = "RESTORE"

	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

type (
	Action  string
	Outcome string

	// Entry is a single audit record
	Entry struct {
		Resource  string
		Action    Action
		Name      string
		Outcome   Outcome
		Error     string
		Timestamp time.Time
		Details   map[string]any
	}

	// Notifier receives audit entries. Delivery is fire-and-forget, a notifier never fails its caller.
	Notifier interface {
		Notify(ctx context.Context, e Entry)
	}
)

// Nop drops all entries
type Nop struct{}

func (Nop) Notify(context.Context, Entry) {}

// LogNotifier writes audit entries as structured log lines
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier returns a notifier writing to the given logger
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// NewFileNotifier returns a notifier writing json lines to path. Rotated files are kept for a year.
func NewFileNotifier(path string) (*LogNotifier, func() error) {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxAge:     constants.AuditLogMaxAgeDays,
		MaxBackups: 0,
		Compress:   true,
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.RFC3339TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(w), zap.InfoLevel)

	return NewLogNotifier(zap.New(core).Named("audit")), w.Close
}

func (n *LogNotifier) Notify(_ context.Context, e Entry) {
	fields := []zap.Field{
		zap.String("resource", e.Resource),
		zap.String("action", string(e.Action)),
		zap.String("name", e.Name),
		zap.String("outcome", string(e.Outcome)),
		zap.Time("at", e.Timestamp),
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}

	n.log.Info("audit", fields...)
}

// Async decouples the caller from a slow notifier. Entries are dropped when the buffer is full.
type Async struct {
	log    *zap.SugaredLogger
	next   Notifier
	queue  chan Entry
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewAsync starts a worker delivering entries to next
func NewAsync(log *zap.SugaredLogger, next Notifier, buffer int) *Async {
	if buffer <= 0 {
		buffer = 64
	}

	a := &Async{
		log:   log,
		next:  next,
		queue: make(chan Entry, buffer),
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for e := range a.queue {
			a.next.Notify(context.Background(), e)
		}
	}()

	return a
}

func (a *Async) Notify(_ context.Context, e Entry) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.log.Warnw("audit notifier closed, dropping entry", "action", e.Action, "name", e.Name)
		return
	}

	select {
	case a.queue <- e:
	default:
		a.log.Warnw("audit queue full, dropping entry", "action", e.Action, "name", e.Name)
	}
}

// Close delivers all queued entries and stops the worker
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	a.wg.Wait()
}
