package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds runtime configuration read from SHELLVAULT_* environment
// variables. Paths left empty are derived from DataPath by Load.
type Settings struct {
	DataPath      string `envconfig:"DATA_PATH" default:""`
	DatabasePath  string `envconfig:"DATABASE_PATH" default:""`
	LogPath       string `envconfig:"LOG_PATH" default:""`
	InventoryPath string `envconfig:"INVENTORY_PATH" default:""`
	KeyDir        string `envconfig:"KEY_DIR" default:""`
	KnownHosts    string `envconfig:"KNOWN_HOSTS" default:""`

	// MasterKey overrides the Fernet key stored in <DataPath>/master.key.
	MasterKey string `envconfig:"MASTER_KEY" default:""`

	CommandTimeout time.Duration `envconfig:"COMMAND_TIMEOUT" default:"30s"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	StrictHostKeys bool          `envconfig:"STRICT_HOST_KEYS" default:"false"`

	// Comma-separated IPs/CIDRs that connections may target. Empty allows all.
	AllowedNetworks   string        `envconfig:"ALLOWED_NETWORKS" default:""`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"0s"`
	QueueSize         int           `envconfig:"QUEUE_SIZE" default:"64"`

	// Network monitor settings
	CheckAddrs    []string      `envconfig:"CHECK_ADDRS" default:"1.1.1.1:53,8.8.8.8:53"`
	CheckInterval time.Duration `envconfig:"CHECK_INTERVAL" default:"5s"`
	CheckTimeout  time.Duration `envconfig:"CHECK_TIMEOUT" default:"2s"`

	// Audit log settings
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`
}

// Load reads settings from the environment and fills in derived paths.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("SHELLVAULT", &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if err := s.applyDefaults(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) applyDefaults() error {
	if s.DataPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		s.DataPath = filepath.Join(home, ".shellvault")
	}
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "shellvault.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "shellvault.log")
	}
	if s.InventoryPath == "" {
		s.InventoryPath = filepath.Join(s.DataPath, "servers.yaml")
	}
	if s.KeyDir == "" {
		s.KeyDir = filepath.Join(s.DataPath, "ssh_keys")
	}
	if s.KnownHosts == "" {
		s.KnownHosts = filepath.Join(s.DataPath, "known_hosts")
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = 30 * time.Second
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 30 * time.Second
	}
	return nil
}

// MasterKeyPath is where the device-local Fernet key lives when MasterKey is unset.
func (s Settings) MasterKeyPath() string {
	return filepath.Join(s.DataPath, "master.key")
}
