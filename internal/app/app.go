package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ipguard/internal/app/bootstrap"
	"ipguard/internal/app/server"
	"ipguard/internal/auth"
	"ipguard/internal/config"
	"ipguard/internal/jobs/runtime"
	"ipguard/internal/support"
)

const defaultPort = 8080

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	portFlag := flag.Int("port", defaultPort, "Port for the HTTP server")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	flag.Parse()

	config.SetProductionMode(*productionFlag)
	log.SetLevel(resolveLogLevel(os.Getenv("LOG_LEVEL"), *productionFlag))

	if err := auth.CheckSecret(); err != nil {
		return err
	}

	port := resolvePort("PORT", "BACKEND_PORT", *portFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := connectRedis()
	if redisClient != nil {
		heartbeatCancel := runtime.LaunchInstanceHeartbeat(ctx, redisClient)
		defer heartbeatCancel()
		defer func() {
			if err := support.CloseRedisClient(); err != nil {
				log.Warn("error closing redis client", "error", err)
			}
		}()
	}

	components, err := bootstrap.Setup(ctx, redisClient)
	if err != nil {
		return err
	}
	defer components.Close()

	g, gctx := errgroup.WithContext(ctx)
	components.StartRoutines(gctx, g)
	g.Go(func() error {
		return server.OpenRoutes(gctx, port, server.Dependencies{
			Pipeline:  components.Pipeline,
			Blocklist: components.Blocklist,
			Feeds:     components.Feeds,
			Detector:  components.Detector,
			Purger:    components.Purger,
			Records:   components.Store,
			Redis:     redisClient,
		})
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("ipguard stopped: %w", err)
	}
	log.Info("ipguard stopped")
	return nil
}

// connectRedis returns nil when Redis is unreachable; every component then
// falls back to instance-local state.
func connectRedis() *redis.Client {
	client, err := support.GetRedisClient()
	if err != nil {
		log.Warn("Redis unavailable, running without shared state", "error", err)
		return nil
	}
	return client
}

func resolveLogLevel(raw string, production bool) log.Level {
	if raw = strings.TrimSpace(raw); raw != "" {
		level, err := log.ParseLevel(strings.ToLower(raw))
		if err == nil {
			return level
		}
		log.Warn("invalid LOG_LEVEL, using default", "value", raw)
	}
	if production {
		return log.InfoLevel
	}
	return log.DebugLevel
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
