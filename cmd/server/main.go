package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pixelcollab/canvas-backend/internal/config"
	"github.com/pixelcollab/canvas-backend/internal/engine"
	"github.com/pixelcollab/canvas-backend/internal/fanout"
	"github.com/pixelcollab/canvas-backend/internal/httpapi"
	"github.com/pixelcollab/canvas-backend/internal/quota"
	"github.com/pixelcollab/canvas-backend/internal/retry"
	"github.com/pixelcollab/canvas-backend/internal/store"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *gorm.DB
	err = retry.Do(ctx, retry.Policy{MaxAttempts: 5, BaseDelay: time.Second},
		func(ctx context.Context) error {
			var derr error
			db, derr = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
				Logger: gormlogger.Default.LogMode(gormlogger.Silent),
			})
			return derr
		})
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}

	st := store.New(db, log,
		store.WithStats(store.NewStats(db, log)),
		store.WithKeep(cfg.SnapshotKeep),
		store.WithPageSize(cfg.PageSize),
	)
	if err := st.Migrate(); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	admission := quota.NewController(store.NewQuotaRecords(db), cfg.MaxPerHour, log)
	frames := store.NewFrameReader(db)
	overrides := store.NewOverrideReader(db)
	manager := fanout.NewManager(st, fanout.Config{
		SubscribeAttempts:  cfg.SubscribeAttempts,
		SubscribeBaseDelay: cfg.SubscribeBaseDelay,
		PollInterval:       cfg.PollInterval,
	}, log)
	defer manager.Close()

	eng := engine.New(frames, overrides, st, admission, manager, log,
		engine.WithPalette(cfg.Palette),
		engine.WithUndoWindow(cfg.UndoWindow))

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Engine:    eng,
			Store:     st,
			Admission: admission,
			Frames:    frames,
			Overrides: overrides,
			Fanout:    manager,
			Log:       log,
		}),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", zap.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("serve", zap.Error(err))
	}
}
