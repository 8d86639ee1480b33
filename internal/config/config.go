package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the application configuration.
type Config struct {
	ServerPort      int
	SteamRoot       string // root of the Steam data files
	AppDataDir      string // where app specific data files are stored
	DatabasePath    string
	MaxSaves        int     // regular snapshots kept per cull
	IgnoreUnchanged bool    // skip backups when no tracked file changed
	BackupSchedule  string  // cron expression for automatic backups, empty disables
	AccountIDs      []int   // overrides userdata auto-detection when set
	StoreUsageLimit float64 // used-percent threshold for store alerts
}

// Load loads configuration from environment variables or sets defaults.
func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("PORT", "8080"))
	if err != nil {
		return nil, err
	}

	maxSaves, err := strconv.Atoi(getEnv("MAX_SAVES", "50"))
	if err != nil {
		return nil, err
	}

	usageLimit, err := strconv.ParseFloat(getEnv("STORE_USAGE_LIMIT_PCT", "90"), 64)
	if err != nil {
		return nil, err
	}

	accountIDs, err := parseAccountIDs(getEnv("STEAM_ACCOUNT_IDS", ""))
	if err != nil {
		return nil, err
	}

	home, _ := os.UserHomeDir()

	return &Config{
		ServerPort:      port,
		SteamRoot:       getEnv("STEAM_ROOT", filepath.Join(home, ".local", "share", "Steam")),
		AppDataDir:      getEnv("APP_DATA_DIR", "./data"),
		DatabasePath:    getEnv("DATABASE_PATH", "./savior.db"),
		MaxSaves:        maxSaves,
		IgnoreUnchanged: getEnv("IGNORE_UNCHANGED", "true") == "true",
		BackupSchedule:  getEnv("BACKUP_SCHEDULE", ""),
		AccountIDs:      accountIDs,
		StoreUsageLimit: usageLimit,
	}, nil
}

// parseAccountIDs parses a comma-separated list of Steam account ids.
func parseAccountIDs(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var ids []int
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Helper to get an environment variable with a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
