package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/conorfennell/studyloop/internal/config"
	"github.com/conorfennell/studyloop/internal/lock"
	"github.com/conorfennell/studyloop/internal/logger"
	"github.com/conorfennell/studyloop/internal/session"
	"github.com/conorfennell/studyloop/internal/srs"
	"github.com/conorfennell/studyloop/internal/storage"
	decksync "github.com/conorfennell/studyloop/internal/sync"
	"github.com/conorfennell/studyloop/internal/web"
)

func main() {
	flags := pflag.NewFlagSet("studyloop", pflag.ExitOnError)
	config.RegisterFlags(flags)
	addSource := flags.String("add-source", "", "Register a deck source (local path or git URL) and exit")
	owner := flags.String("owner", "", "Learner that owns the source added with --add-source")
	track := flags.String("track", "", "Track the source added with --add-source feeds")
	syncOnce := flags.Bool("sync", false, "Import every registered source once and exit")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "studyloop: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "studyloop: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		log.Fatal("failed to open database", "driver", cfg.DB.Driver, "error", err)
	}
	defer db.Close()
	log.Info("database opened", "driver", cfg.DB.Driver)

	importer := decksync.New(db, cfg.Sync, log)

	switch {
	case *addSource != "":
		if *owner == "" || *track == "" {
			log.Fatal("--add-source needs --owner and --track")
		}
		if err := registerSource(ctx, db, importer, *addSource, *owner, *track); err != nil {
			log.Fatal("failed to add source", "path", *addSource, "error", err)
		}
		log.Info("source added", "path", *addSource, "owner_id", *owner, "track_id", *track)
		return
	case *syncOnce:
		if _, err := importer.RunSync(ctx); err != nil {
			log.Error("sync finished with errors", "error", err)
			os.Exit(1)
		}
		return
	}

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		log.Fatal("invalid scheduler time zone", "timezone", cfg.Scheduler.Timezone, "error", err)
	}

	locker, closeLocker, err := newLocker(ctx, cfg.Lock)
	if err != nil {
		log.Fatal("failed to create session lock", "backend", cfg.Lock.Backend, "error", err)
	}
	defer closeLocker()

	manager := session.NewManager(db, locker, srs.New(loc),
		session.WithLogger(log),
		session.WithStoreTimeout(cfg.DB.Timeout),
		session.WithLockWait(cfg.Lock.Wait),
	)

	srv := web.NewServer(manager, db, importer, log, web.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Retry:          cfg.Retry,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server listening", "addr", cfg.Server.Addr, "lock", cfg.Lock.Backend, "timezone", loc.String())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

func registerSource(ctx context.Context, db *storage.DB, importer *decksync.Importer, path, owner, track string) error {
	src := storage.Source{
		Path:    path,
		Type:    decksync.SourceType(path),
		OwnerID: owner,
		TrackID: track,
	}
	if err := importer.Validate(src); err != nil {
		return err
	}
	existing, err := db.FindSourceByPath(ctx, owner, track, path)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("source %s already registered with ID %d", path, existing.ID)
	}
	_, err = db.InsertSource(ctx, src)
	return err
}

// newLocker builds the session lock for the configured backend.
func newLocker(ctx context.Context, cfg config.Lock) (lock.Locker, func(), error) {
	switch cfg.Backend {
	case "redis":
		r, err := lock.NewRedis(ctx, cfg.RedisAddr, cfg.TTL)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return lock.NewLocal(), func() {}, nil
	}
}
