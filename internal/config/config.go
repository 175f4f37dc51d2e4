package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tokoku/backend/internal/domain"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port                    string
	AllowedOrigin           string
	StoreDriver             string
	DatabaseURL             string
	SQLitePath              string
	RunMigrations           bool
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	SettingsCacheTTLSeconds int
	AuthSecret              string
	AccessTokenTTLMinutes   int
	ManagerPIN              string
	Users                   []domain.UserAccount
	WorkerCount             int
	WorkerQueueSize         int
	TxMaxAttempts           int
	AutoBackupCheckMinutes  int
	AutoBackupAccounts      []string
}

// Load reads the environment. A .env file in the working directory is applied
// first; variables already set in the process win.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[config] WARN: .env not loaded: %v", err)
	}

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	sqlitePath := strings.TrimSpace(os.Getenv("SQLITE_PATH"))

	cfg := Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		StoreDriver:             strings.ToLower(getEnv("STORE_DRIVER", defaultDriver(databaseURL, sqlitePath))),
		DatabaseURL:             databaseURL,
		SQLitePath:              sqlitePath,
		RunMigrations:           getBool("RUN_MIGRATIONS", false),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 getInt("REDIS_DB", 0, 0),
		SettingsCacheTTLSeconds: getInt("SETTINGS_CACHE_TTL_SECONDS", 600, 1),
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		ManagerPIN:              strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		Users:                   parseUsers(os.Getenv("AUTH_USERS")),
		WorkerCount:             getInt("WORKER_COUNT", 4, 1),
		WorkerQueueSize:         getInt("WORKER_QUEUE_SIZE", 256, 1),
		TxMaxAttempts:           getInt("TX_MAX_ATTEMPTS", 32, 1),
		AutoBackupCheckMinutes:  getInt("AUTO_BACKUP_CHECK_MINUTES", 60, 1),
		AutoBackupAccounts:      splitList(os.Getenv("AUTO_BACKUP_ACCOUNTS")),
	}
	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) SettingsCacheTTL() time.Duration {
	return time.Duration(c.SettingsCacheTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) AutoBackupInterval() time.Duration {
	return time.Duration(c.AutoBackupCheckMinutes) * time.Minute
}

func defaultDriver(databaseURL, sqlitePath string) string {
	switch {
	case databaseURL != "":
		return DriverPostgres
	case sqlitePath != "":
		return DriverSQLite
	default:
		return DriverMemory
	}
}

// parseUsers reads comma separated "username:password:role:account" entries.
// The password may itself contain colons.
func parseUsers(raw string) []domain.UserAccount {
	var users []domain.UserAccount
	for _, entry := range splitList(raw) {
		parts := strings.Split(entry, ":")
		if len(parts) < 4 {
			log.Printf("[config] WARN: ignoring malformed AUTH_USERS entry")
			continue
		}
		n := len(parts)
		users = append(users, domain.UserAccount{
			Username:  strings.TrimSpace(parts[0]),
			Password:  strings.Join(parts[1:n-2], ":"),
			Role:      strings.TrimSpace(parts[n-2]),
			AccountID: strings.TrimSpace(parts[n-1]),
		})
	}
	return users
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || val < min {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return val
}
