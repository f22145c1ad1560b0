package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	DataDir      string // session file, scripts, journal database
	InstallDir   string // server binary install target
	SteamCMDDir  string // steamcmd.sh location
	SaveDir      string // passed to the server as -savedir
	BackupDir    string
	LogDir       string
	UnitDir      string // systemd unit directory
	DatabasePath string

	DefaultPort int
	MaxBackups  int
	PageSize    int

	PollAttempts int
	PollInterval time.Duration
	ReadyTimeout time.Duration
}

// Load loads configuration from a .env file if present, then from
// environment variables, falling back to defaults.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DataDir:      getEnv("DATA_DIR", "/var/lib/valheimctl"),
		InstallDir:   getEnv("INSTALL_DIR", "/opt/valheim/server"),
		SteamCMDDir:  getEnv("STEAMCMD_DIR", "/opt/valheim/steamcmd"),
		SaveDir:      getEnv("SAVE_DIR", "/var/lib/valheimctl/saves"),
		BackupDir:    getEnv("BACKUP_DIR", "/var/lib/valheimctl/backups"),
		LogDir:       getEnv("LOG_DIR", "/var/log/valheim"),
		UnitDir:      getEnv("UNIT_DIR", "/etc/systemd/system"),
		DatabasePath: getEnv("DATABASE_PATH", "/var/lib/valheimctl/valheimctl.db"),

		DefaultPort: getEnvInt("DEFAULT_PORT", 2456),
		MaxBackups:  getEnvInt("MAX_BACKUPS", 10),
		PageSize:    getEnvInt("PAGE_SIZE", 5),

		PollAttempts: getEnvInt("POLL_ATTEMPTS", 5),
		PollInterval: time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 2)) * time.Second,
		ReadyTimeout: time.Duration(getEnvInt("READY_TIMEOUT_SECONDS", 300)) * time.Second,
	}
}

// WorldsDir is where the server engine keeps world save files.
func (c *Config) WorldsDir() string {
	return filepath.Join(c.SaveDir, "worlds_local")
}

// SessionPath is the file persisting the currently selected world.
func (c *Config) SessionPath() string {
	return filepath.Join(c.DataDir, "current-world")
}

// ScriptsDir holds the generated backup invocation scripts.
func (c *Config) ScriptsDir() string {
	return filepath.Join(c.DataDir, "scripts")
}

// Helper to get an environment variable with a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
