package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tokoku/backend/internal/cache"
	"tokoku/backend/internal/config"
	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/httpapi"
	"tokoku/backend/internal/scheduler"
	"tokoku/backend/internal/service"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/store/memory"
	pgstore "tokoku/backend/internal/store/postgres"
	sqlitestore "tokoku/backend/internal/store/sqlite"
	"tokoku/backend/internal/worker"
)

func main() {
	mintToken := flag.String("mint-token", "", "print an access token for username:role:account and exit")
	flag.Parse()

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), cfg.ManagerPIN, cfg.Users)

	if *mintToken != "" {
		actor, err := parseActor(*mintToken)
		if err != nil {
			log.Fatalf("mint-token: %v", err)
		}
		token, expiresAt, err := auth.Mint(actor)
		if err != nil {
			log.Fatalf("mint-token: %v", err)
		}
		fmt.Println(token)
		log.Printf("token for %s@%s expires %s", actor.Username, actor.AccountID, expiresAt.Format(time.RFC3339))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 3)

	docs, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store unavailable: %v", err)
	}
	closers = append(closers, docs.Close)

	settingsCache := cache.SettingsCache(cache.NoopSettingsCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSettingsCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			settingsCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	queue := worker.NewQueue(cfg.WorkerCount, cfg.WorkerQueueSize, 30*time.Second)
	svc := service.New(docs, settingsCache, queue, cfg.SettingsCacheTTL())
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	runCtx, stopRun := context.WithCancel(context.Background())
	backups := scheduler.New(svc, cfg.AutoBackupAccounts, cfg.AutoBackupInterval())
	backups.Start(runCtx)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("tokoku backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stopRun()
	backups.Wait()

	// Drain deferred bookkeeping before the store goes away.
	if err := queue.Close(); err != nil {
		log.Printf("worker queue: %v", err)
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (store.DocumentStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
		if cfg.RunMigrations {
			if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
				return nil, err
			}
			log.Println("migrations: applied")
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.TxMaxAttempts)
		if err != nil {
			return nil, err
		}
		log.Println("store: postgres")
		return pg, nil
	case config.DriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
		lite, err := sqlitestore.New(cfg.SQLitePath, cfg.TxMaxAttempts)
		if err != nil {
			return nil, err
		}
		log.Println("store: sqlite")
		return lite, nil
	case config.DriverMemory:
		log.Println("store: in-memory (data is lost on restart)")
		return memory.New(memory.WithMaxAttempts(cfg.TxMaxAttempts)), nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// parseActor reads "username:role:account" for -mint-token.
func parseActor(raw string) (domain.Actor, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return domain.Actor{}, fmt.Errorf("expected username:role:account, got %q", raw)
	}
	role := strings.TrimSpace(parts[1])
	if role != domain.RoleAdmin && role != domain.RoleCashier {
		return domain.Actor{}, fmt.Errorf("unknown role %q", role)
	}
	actor := domain.Actor{
		Username:  strings.TrimSpace(parts[0]),
		Role:      role,
		AccountID: strings.TrimSpace(parts[2]),
	}
	if actor.Username == "" || actor.AccountID == "" {
		return domain.Actor{}, fmt.Errorf("username and account are required")
	}
	return actor, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all one digit, run in sequence,
// or appear on a short list of common choices.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "696969": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
