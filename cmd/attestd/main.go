// Command attestd runs the checkout attestation verification service.
package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/checkproof/go-checkout-attest/internal/logging"
	"github.com/checkproof/go-checkout-attest/pkg/defs"
	"github.com/checkproof/go-checkout-attest/pkg/factors"
	"github.com/checkproof/go-checkout-attest/pkg/guard"
	"github.com/checkproof/go-checkout-attest/pkg/merchant"
	"github.com/checkproof/go-checkout-attest/pkg/nonce"
	"github.com/checkproof/go-checkout-attest/pkg/policy"
	"github.com/checkproof/go-checkout-attest/pkg/storage"
	"github.com/checkproof/go-checkout-attest/pkg/verification"
)

const (
	envAddr           = "ATTEST_ADDR"
	envLogLevel       = "ATTEST_LOG_LEVEL"
	envLogHandler     = "ATTEST_LOG_HANDLER"
	envStoreBackend   = "ATTEST_STORE_BACKEND"
	envRedisAddr      = "ATTEST_REDIS_ADDR"
	envMerchantConfig = "ATTEST_MERCHANT_CONFIG"
)

func main() {
	logger := newLogger()

	configPath := os.Getenv(envMerchantConfig)
	if configPath == "" {
		logging.Fatalf(logger, errors.New(envMerchantConfig+" is not set"), "missing merchant config")
	}

	registry, err := merchant.LoadRegistryFromFile(configPath)
	if err != nil {
		// Bad key material rejects the whole load; the service never starts with a
		// partially trusted registry.
		logging.Fatalf(logger, err, "failed to load merchant registry")
	}
	logger.Info("merchant registry loaded", slog.Int("profiles", len(registry.Profiles())))

	store, err := newStore(logger)
	if err != nil {
		logging.Fatalf(logger, err, "failed to create key-value store")
	}

	replayGuard := guard.NewReplayGuard(store, logger)
	rateLimiter := guard.NewRateLimiter(store, logger)

	pipeline, err := verification.NewPipeline(verification.Config{
		Registry: registry,
		Nonces:   nonce.NewService(replayGuard, logger),
		Replay:   replayGuard,
		Policy:   policy.NewEngine(rateLimiter, logger),
		OTP:      factors.NewOTPVerifier(rateLimiter, logger),
		Events:   verification.NewSlogSink(logger),
		Logger:   logger,
	})
	if err != nil {
		logging.Fatalf(logger, err, "failed to create verification pipeline")
	}

	addr := os.Getenv(envAddr)
	if addr == "" {
		addr = ":8443"
	}

	router := verification.NewHandlers(pipeline, logger).Router()
	logger.Info("attestation service listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, router); err != nil {
		logging.Fatalf(logger, err, "server stopped")
	}
}

func newLogger() *slog.Logger {
	level, err := defs.ParseLogLevelStr(envOrDefault(envLogLevel, string(defs.LogLevelInfo)))
	if err != nil {
		level = defs.LogLevelInfo
	}

	handler, err := defs.ParseHandlerTypeStr(envOrDefault(envLogHandler, string(defs.JSONHandler)))
	if err != nil {
		handler = defs.JSONHandler
	}

	return logging.New(os.Stdout, level, handler)
}

func newStore(logger *slog.Logger) (storage.KeyValueStore, error) {
	backend, err := defs.ParseStoreBackendStr(envOrDefault(envStoreBackend, string(defs.StoreBackendMemory)))
	if err != nil {
		return nil, err
	}

	switch backend {
	case defs.StoreBackendRedis:
		redisAddr := os.Getenv(envRedisAddr)
		if redisAddr == "" {
			return nil, errors.New(envRedisAddr + " is required for the redis backend")
		}
		logger.Info("using redis store", slog.String("addr", redisAddr))
		return storage.NewRedisStore(redis.NewClient(&redis.Options{Addr: redisAddr}), "attest:"), nil

	default:
		logger.Info("using in-process store")
		return storage.NewMemoryStore(), nil
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
