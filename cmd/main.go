package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"reservation-engine/config"
	"reservation-engine/internal/api"
	"reservation-engine/internal/db"
	"reservation-engine/internal/db/repos"
	"reservation-engine/internal/notify"
	"reservation-engine/internal/reservation"
	"reservation-engine/internal/stats"
)

func main() {
	cfg := config.Load()

	database := db.NewDB(cfg)
	if err := db.EnsureSchema(database); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	bookingRepo := repos.NewBookingRepository(database, cfg.LockWaitTimeout)
	eventRepo := repos.NewEventRepository(database)

	var publisher *notify.Publisher
	if cfg.RabbitMQURL != "" {
		p, err := notify.NewPublisher(cfg.RabbitMQURL, "bookings")
		if err != nil {
			log.Printf("Warning: running without event publishing: %v", err)
		} else {
			publisher = p
		}
	}

	var recorder *stats.RedisRecorder
	if cfg.RedisAddr != "" {
		recorder = stats.NewRedisRecorder(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}

	opts := reservation.Options{
		DefaultHold: time.Duration(cfg.DefaultHoldMinutes) * time.Minute,
		MaxHold:     time.Duration(cfg.MaxHoldMinutes) * time.Minute,
		RetryAfter:  cfg.LockWaitTimeout,
	}
	if publisher != nil {
		opts.Publisher = publisher
	}
	if recorder != nil {
		opts.Stats = recorder
	}
	coordinator := reservation.NewCoordinator(bookingRepo, eventRepo, opts)

	ctx, cancel := context.WithCancel(context.Background())
	reaper := reservation.NewReaper(bookingRepo, eventRepo, opts.Publisher, cfg.ReaperInterval, cfg.EventRetention)
	go reaper.Run(ctx)

	router := gin.Default()
	api.SetupRoutes(router, coordinator, api.RouteOptions{
		JWTSecret:          cfg.JWTSecret,
		ClaimRatePerSecond: cfg.ClaimRatePerSecond,
		ClaimBurst:         cfg.ClaimBurst,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down server: %v", err)
		}
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				log.Printf("Error closing publisher: %v", err)
			}
		}
		if err := database.Close(); err != nil {
			log.Printf("Error closing database connection: %v", err)
		}
	}()

	log.Printf("Reservation engine listening on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
