package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"console-jobs/internal/archive"
	"console-jobs/internal/config"
	"console-jobs/internal/mail"
	"console-jobs/internal/models"
	"console-jobs/internal/platform"
	"console-jobs/internal/queue"
	"console-jobs/internal/store"
	"console-jobs/internal/telemetry"
	workerproc "console-jobs/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueueWithClient(redisClient, cfg.LeaseDuration)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	archiver, err := archive.NewS3(ctx, cfg)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}
	var cleanupArchiver archive.Archiver
	if archiver != nil {
		cleanupArchiver = archiver
	}

	platformClient := platform.New(cfg.PlatformBaseURL, cfg.PlatformAPIKey, cfg.PlatformTimeout)
	mailClient := mail.New(cfg.MailBaseURL, cfg.MailAPIKey, cfg.MailTimeout)

	deployHandler := workerproc.NewDeployHandler(cfg, st, platformClient)

	processor := workerproc.NewProcessor(cfg, q, st, workerID)
	processor.RegisterHandler(models.LaneWebhook, workerproc.NewWebhookHandler(cfg, st).Handle)
	processor.RegisterHandler(models.LaneDeploy, deployHandler.Handle)
	processor.RegisterDeadLetterHook(models.LaneDeploy, deployHandler.OnDeadLetter)
	processor.RegisterHandler(models.LaneCleanup, workerproc.NewCleanupHandler(cfg, st, cleanupArchiver).Handle)
	processor.RegisterHandler(models.LaneEmail, workerproc.NewEmailHandler(mailClient, cfg.MailFrom).Handle)
	processor.RegisterHandler(models.LaneActivity, workerproc.NewActivityHandler(st).Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started lease=%s poll=%s", workerID, cfg.LeaseDuration, cfg.WorkerPollInterval)
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
}
