package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"videoworker/config"
	"videoworker/failures"
	"videoworker/job"
	"videoworker/logger"
	"videoworker/metrics"
	"videoworker/publisher"
	"videoworker/results"
	"videoworker/routes"
	"videoworker/sandbox"
	"videoworker/success"
	taskqueue "videoworker/taskQueue"
	writerbackends "videoworker/writerBackends"
)

// reconnectDelay is the pause between broker reconnection attempts.
const reconnectDelay = 5 * time.Second

// errDisconnected is reported by the health check while the worker has no broker session.
var errDisconnected = errors.New("not connected to broker")

// liveSession is the broker session currently in use.
type liveSession struct {
	mu   sync.Mutex
	sess *taskqueue.Session
}

func (l *liveSession) set(sess *taskqueue.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sess = sess
}

func (l *liveSession) QueueDepth() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess == nil {
		return 0, errDisconnected
	}
	return l.sess.QueueDepth()
}

func main() {
	if err := run(); err != nil {
		logger.Fatalf("videoworker stopped: %v", err)
	}
	logger.Info("videoworker stopped")
}

func run() error {
	logger.Info("Starting videoworker initialization")

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	settings, err := config.Load(config.SettingsPath())
	if err != nil {
		return err
	}

	if err := logger.Init(settings.Log.File, true); err != nil {
		return err
	}
	defer logger.Close()
	level, err := logger.ParseLevel(settings.Log.Level)
	if err != nil {
		logger.Warnf("%v, using info", err)
	}
	logger.SetLevel(level)

	dataDir, err := settings.Ledger.GetDataDir()
	if err != nil {
		return err
	}
	settings.Ledger.DataDir = dataDir

	// Ledgers
	logger.Debug("Opening local ledgers")
	attempts, err := taskqueue.OpenAttempts(settings.Ledger.AttemptsDBPath())
	if err != nil {
		return err
	}
	defer attempts.Close()

	failureStore, err := failures.Open(settings.Ledger.FailuresDBPath())
	if err != nil {
		return err
	}
	defer failureStore.Close()

	successStore, err := success.Open(settings.Ledger.SuccessDBPath())
	if err != nil {
		return err
	}
	defer successStore.Close()
	logger.Infof("Ledgers opened in %s", dataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Container runtime
	docker, err := sandbox.NewDockerRuntime(settings.Container.DockerURI)
	if err != nil {
		return err
	}
	defer docker.Close()
	if err := docker.Ping(ctx); err != nil {
		return err
	}

	supervisor := sandbox.NewSupervisor(docker, sandbox.OptionsFrom(settings.Container))
	if err := supervisor.EnsureImage(ctx); err != nil {
		return err
	}
	if settings.Container.ReapOrphans {
		if n, err := supervisor.ReapOrphans(ctx); err != nil {
			logger.Warnf("Failed to reap orphaned containers: %v", err)
		} else if n > 0 {
			logger.Infof("Reaped %d orphaned containers", n)
		}
	}

	// Object storage
	var pub *publisher.Publisher
	if settings.Storage.Enabled {
		store, err := writerbackends.New(ctx, settings.Storage)
		if err != nil {
			return err
		}
		defer store.Close()
		if buckets, err := store.ListBuckets(ctx); err != nil {
			logger.Warnf("Failed to list buckets on %s backend: %v", settings.Storage.Backend, err)
		} else {
			logger.Infof("Storage backend %s reachable, %d buckets", settings.Storage.Backend, len(buckets))
		}
		pub = publisher.New(store)
	} else {
		logger.Info("Publishing disabled, output stays in the host output directory")
	}

	cache := results.NewCache(settings.Redis)
	if cache != nil {
		defer cache.Close()
		if err := cache.Ping(ctx); err != nil {
			logger.Warnf("Result cache unreachable at %s: %v", settings.Redis.Addr, err)
		}
	}

	m := metrics.New()
	tracker := job.NewTracker()
	processor := &job.Processor{
		Executor:  supervisor,
		Template:  sandbox.NewTemplate(settings.Container),
		Jobs:      settings.Jobs,
		Publisher: pub,
		Bucket:    settings.Storage.Bucket,
		KeyPrefix: settings.Storage.KeyPrefix,
		Failures:  failureStore,
		Success:   successStore,
		Cache:     cache,
		Tracker:   tracker,
		Metrics:   m,
	}

	go cleanupRoutine(ctx, attempts, failureStore, successStore, tracker)

	live := &liveSession{}
	server := &routes.Server{
		Failures: failureStore,
		Success:  successStore,
		Cache:    cache,
		Tracker:  tracker,
		Queue:    live,
		Metrics:  m.Handler(),
	}

	consume := func(sess *taskqueue.Session) error {
		live.set(sess)
		defer live.set(nil)
		hostname, _ := os.Hostname()
		deliveries, err := sess.Consume(taskqueue.ConsumerTag(hostname, os.Getpid()))
		if err != nil {
			return err
		}
		consumer := taskqueue.NewConsumer(processor.Handle, taskqueue.Options{
			Slots:           settings.Worker.Slots,
			MaxAttempts:     settings.Queue.MaxAttempts,
			Queue:           settings.Queue.Name,
			DeadLetterQueue: settings.Queue.DeadLetterQueue,
			DeadLetter:      sess.Publisher(),
			Attempts:        attempts,
			OnSettled: func(msg taskqueue.Message, outcome taskqueue.Outcome, elapsed time.Duration) {
				m.ObserveMessage(string(outcome), elapsed)
				processor.Settled(msg, outcome, elapsed)
			},
		})
		logger.Infof("Waiting for jobs on %s with %d slots", settings.Queue.Name, settings.Worker.Slots)
		return consumer.Serve(ctx, deliveries)
	}

	sess, err := taskqueue.Dial(settings.Queue, settings.Worker.Slots)
	if err != nil {
		return err
	}

	httpServer := &http.Server{Addr: settings.HTTP.Addr, Handler: server.Handler()}
	go func() {
		logger.Infof("Admin HTTP server listening on %s", settings.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Admin HTTP server failed: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	for {
		err := consume(sess)
		sess.Close()
		if ctx.Err() != nil {
			logger.Info("Shutdown requested, in-flight jobs requeued")
			return nil
		}
		logger.Errorf("Lost broker session: %v", err)

		sess = nil
		for sess == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(reconnectDelay):
			}
			if sess, err = taskqueue.Dial(settings.Queue, settings.Worker.Slots); err != nil {
				logger.Warnf("Reconnect failed: %v", err)
				sess = nil
			}
		}
	}
}

// cleanupRoutine periodically drops old ledger records and finished jobs
func cleanupRoutine(ctx context.Context, attempts *taskqueue.AttemptLedger, fs *failures.Store, ss *success.Store, tracker *job.Tracker) {
	logger.Info("Cleanup routine started - will run every 24 hours")
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Cleanup routine stopped due to context cancellation")
			return
		case <-ticker.C:
			logger.Info("Running scheduled cleanup of old records")
			// Clean up records older than 30 days
			maxAge := 30 * 24 * time.Hour

			if n, err := ss.CleanupOldRecords(maxAge); err != nil {
				logger.Errorf("Failed to cleanup old success records: %v", err)
			} else {
				logger.Infof("Removed %d old success records", n)
			}

			if n, err := fs.CleanupOldRecords(maxAge); err != nil {
				logger.Errorf("Failed to cleanup old failure records: %v", err)
			} else {
				logger.Infof("Removed %d old failure records", n)
			}

			if n, err := attempts.CleanupOlderThan(maxAge); err != nil {
				logger.Errorf("Failed to cleanup attempt counters: %v", err)
			} else {
				logger.Infof("Removed %d stale attempt counters", n)
			}

			logger.Infof("Forgot %d finished jobs", tracker.Prune(24*time.Hour))
		}
	}
}
