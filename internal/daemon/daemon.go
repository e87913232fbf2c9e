// Package daemon hosts a failover coordinator behind the UDS command socket. It owns
// the task/agent backend, the supervision channel, the audit log and the config watch.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/maestro-failover/internal/events"
	"github.com/msageha/maestro-failover/internal/failover"
	"github.com/msageha/maestro-failover/internal/lock"
	"github.com/msageha/maestro-failover/internal/model"
	"github.com/msageha/maestro-failover/internal/notify"
	"github.com/msageha/maestro-failover/internal/store"
	"github.com/msageha/maestro-failover/internal/supervision"
	"github.com/msageha/maestro-failover/internal/uds"
	atomicyaml "github.com/msageha/maestro-failover/internal/yaml"
)

// AuditLogName is the failover event log inside logs/.
const AuditLogName = "failover_events" + events.LogFileExtension

// connTimeout bounds one UDS exchange. Synchronous failover requests can wait out a
// graceful drain or a recovery delay, so it is generous.
const connTimeout = 10 * time.Minute

// Daemon is the failover daemon process.
type Daemon struct {
	stateDir   string
	configPath string
	logLevel   failover.LogLevel
	logger     *log.Logger
	logFile    io.Closer

	cfgMu        sync.Mutex
	config       model.Config
	fileFailover failover.Config

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher

	backend     store.Backend
	supervision *supervision.Channel
	coordinator *failover.Coordinator
	audit       *events.AuditLogger
	notifier    notify.Notifier

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	wg      sync.WaitGroup
	mu      sync.Mutex
	closing bool

	started     atomic.Bool
	shutdown    sync.Once
	cleanupOnce sync.Once
	done        chan struct{}
}

// New creates a daemon that logs to stateDir/logs/daemon.log.
func New(stateDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(stateDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(stateDir, cfg, logFile, logFile)
}

func newDaemon(stateDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	fc, err := failover.ConfigFromModel(cfg.Failover)
	if err != nil {
		return nil, err
	}

	logger := log.New(w, "", 0)
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		stateDir:     stateDir,
		configPath:   filepath.Join(stateDir, atomicyaml.ConfigFileName),
		config:       cfg,
		fileFailover: fc,
		logLevel:     failover.ParseLogLevel(cfg.Logging.Level),
		logger:       logger,
		logFile:      closer,
		fileLock:     lock.NewFileLock(LockPath(stateDir)),
		server:       uds.NewServer(SocketPath(stateDir), uds.WithConnTimeout(connTimeout), uds.WithLogger(logger)),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	return d, nil
}

// SocketPath returns the command socket of the daemon rooted at stateDir.
func SocketPath(stateDir string) string {
	return filepath.Join(stateDir, uds.DefaultSocketName)
}

// LockPath returns the single-instance lock file of the daemon rooted at stateDir.
func LockPath(stateDir string) string {
	return filepath.Join(stateDir, "locks", "daemon.lock")
}

// SetNotifier overrides the manual-intervention notifier. Must be called before Start.
func (d *Daemon) SetNotifier(n notify.Notifier) {
	d.notifier = n
}

// Start acquires the instance lock, builds the coordinator stack and begins serving.
// It returns once the socket is listening.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Join(d.stateDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(failover.LogLevelInfo, "daemon starting pid=%d backend=%s", os.Getpid(), d.config.Storage.Backend)

	if err := d.initStack(); err != nil {
		d.cleanup()
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	// Watch the directory: atomic saves replace the file, which drops a file watch.
	if err := watcher.Add(d.stateDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", d.stateDir, err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(failover.LogLevelInfo, "UDS server listening on %s", SocketPath(d.stateDir))

	var gctx context.Context
	d.group, gctx = errgroup.WithContext(d.ctx)
	d.group.Go(func() error { return d.configWatchLoop(gctx) })

	d.started.Store(true)
	d.log(failover.LogLevelInfo, "daemon ready")
	return nil
}

func (d *Daemon) initStack() error {
	backend, err := openBackend(d.stateDir, d.config.Storage)
	if err != nil {
		return err
	}
	d.backend = backend

	seedPath := filepath.Join(d.stateDir, atomicyaml.SeedFileName)
	seed, err := atomicyaml.LoadSeed(seedPath)
	if err != nil {
		return err
	}
	if err := applySeed(d.ctx, backend, seed); err != nil {
		return fmt.Errorf("apply %s: %w", seedPath, err)
	}
	if n := len(seed.Agents) + len(seed.Tasks); n > 0 {
		d.log(failover.LogLevelInfo, "seed_applied agents=%d tasks=%d", len(seed.Agents), len(seed.Tasks))
	}

	notifier := d.notifier
	if notifier == nil && d.config.Supervision.NotifyOnManual {
		notifier = notify.NewDesktop()
	}
	d.supervision = supervision.New(backend, notifier, d.logger, d.logLevel)

	coord, err := failover.New(backend, backend, d.supervision, d.fileFailover,
		failover.WithLogger(d.logger, d.logLevel),
		failover.WithEventBufferSize(d.config.Events.BufferSize),
	)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	d.coordinator = coord
	d.coordinator.Subscribe(d.logEvent)

	if d.config.Events.AuditLog {
		audit, err := events.NewAuditLogger(filepath.Join(d.stateDir, "logs", AuditLogName), d.config.Events.AuditMaxBytes)
		if err != nil {
			return err
		}
		audit.EnableChecksum(true)
		d.audit = audit
		d.coordinator.Subscribe(audit.Subscriber(func(err error) {
			d.log(failover.LogLevelError, "audit_write_failed error=%v", err)
		}))
	}
	return nil
}

// Run starts the daemon and blocks until a signal or a shutdown command stops it.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Done is closed when shutdown completes.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(failover.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.log(failover.LogLevelWarn, "received second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.done:
	}
}

// Shutdown stops the daemon. Running failover sessions get the coordinator's shutdown
// window; the remaining steps are bounded by daemon.shutdown_timeout_sec. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.done)
		if !d.started.Load() {
			d.cancel()
			d.cleanup()
			return
		}
		d.log(failover.LogLevelInfo, "shutdown started")

		d.mu.Lock()
		d.closing = true
		d.mu.Unlock()

		timeout := time.Duration(d.currentConfig().Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := d.coordinator.Shutdown(ctx); err != nil {
			d.log(failover.LogLevelWarn, "coordinator shutdown: %v", err)
		}

		d.cancel()
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		_ = d.server.Stop()

		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			if d.group != nil {
				_ = d.group.Wait()
			}
			close(drained)
		}()
		select {
		case <-drained:
			d.log(failover.LogLevelInfo, "all goroutines drained")
		case <-ctx.Done():
			d.log(failover.LogLevelWarn, "shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.cleanup()
	})
}

func (d *Daemon) cleanup() {
	d.cleanupOnce.Do(d.release)
}

func (d *Daemon) release() {
	if d.coordinator != nil {
		_ = d.coordinator.Shutdown(context.Background())
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.log(failover.LogLevelWarn, "close audit log: %v", err)
		}
	}
	if d.backend != nil {
		if err := d.backend.Close(); err != nil {
			d.log(failover.LogLevelWarn, "close backend: %v", err)
		}
	}
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	_ = os.Remove(SocketPath(d.stateDir))
	if err := d.fileLock.Unlock(); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.log(failover.LogLevelWarn, "release lock: %v", err)
	}
	d.log(failover.LogLevelInfo, "daemon stopped")
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

func (d *Daemon) currentConfig() model.Config {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	return d.config
}

func (d *Daemon) logEvent(e events.Event) {
	level := failover.LogLevelDebug
	if e.Terminal() || e.Type == events.EventFailoverInitiated {
		level = failover.LogLevelInfo
	}
	d.log(level, "event type=%s worker=%s session=%s", e.Type, e.WorkerID, e.SessionID)
}

func (d *Daemon) log(level failover.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, msg)
}
