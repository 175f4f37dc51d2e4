package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestStoreDriverFollowsConnectionSettings(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", "")
	if got := Load().StoreDriver; got != DriverMemory {
		t.Fatalf("expected memory driver by default, got %q", got)
	}

	t.Setenv("SQLITE_PATH", "/tmp/tokoku.db")
	if got := Load().StoreDriver; got != DriverSQLite {
		t.Fatalf("expected sqlite driver, got %q", got)
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/tokoku")
	if got := Load().StoreDriver; got != DriverPostgres {
		t.Fatalf("expected postgres driver, got %q", got)
	}

	t.Setenv("STORE_DRIVER", "Memory")
	if got := Load().StoreDriver; got != DriverMemory {
		t.Fatalf("expected explicit driver to win, got %q", got)
	}
}

func TestNumericSettingsFallBackOnBadValues(t *testing.T) {
	t.Setenv("WORKER_COUNT", "0")
	t.Setenv("TX_MAX_ATTEMPTS", "abc")
	t.Setenv("SETTINGS_CACHE_TTL_SECONDS", "30")
	t.Setenv("AUTO_BACKUP_CHECK_MINUTES", "")

	cfg := Load()
	if cfg.WorkerCount != 4 || cfg.TxMaxAttempts != 32 {
		t.Fatalf("expected defaults for invalid values, got workers=%d attempts=%d", cfg.WorkerCount, cfg.TxMaxAttempts)
	}
	if cfg.SettingsCacheTTL() != 30*time.Second {
		t.Fatalf("expected 30s cache ttl, got %v", cfg.SettingsCacheTTL())
	}
	if cfg.AutoBackupInterval() != time.Hour {
		t.Fatalf("expected hourly backup check, got %v", cfg.AutoBackupInterval())
	}
}

func TestParseUsersAndAccounts(t *testing.T) {
	t.Setenv("AUTH_USERS", "admin:s3cret:admin:toko-1, kasir:pa:ss:cashier:toko-1 ,broken")
	t.Setenv("AUTO_BACKUP_ACCOUNTS", "toko-1, ,toko-2")

	cfg := Load()
	if len(cfg.Users) != 2 {
		t.Fatalf("expected two users, got %+v", cfg.Users)
	}
	if cfg.Users[0].Username != "admin" || cfg.Users[0].AccountID != "toko-1" {
		t.Fatalf("unexpected first user: %+v", cfg.Users[0])
	}
	if cfg.Users[1].Password != "pa:ss" || cfg.Users[1].Role != "cashier" {
		t.Fatalf("expected colon in password to survive, got %+v", cfg.Users[1])
	}
	if len(cfg.AutoBackupAccounts) != 2 || cfg.AutoBackupAccounts[1] != "toko-2" {
		t.Fatalf("unexpected accounts: %v", cfg.AutoBackupAccounts)
	}
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PORT=9999\nALLOWED_ORIGIN=https://shop.example\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("PORT", "8181")
	t.Setenv("ALLOWED_ORIGIN", "")
	os.Unsetenv("ALLOWED_ORIGIN")

	cfg := Load()
	if cfg.Port != "8181" {
		t.Fatalf("expected process env to win, got %q", cfg.Port)
	}
	if cfg.AllowedOrigin != "https://shop.example" {
		t.Fatalf("expected .env value, got %q", cfg.AllowedOrigin)
	}
}
