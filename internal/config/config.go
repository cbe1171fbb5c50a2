package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// StorageType distinguishes remote storage locations, reached through the
// transfer tool, from plain local directories.
type StorageType string

const (
	StorageRemote StorageType = "remote"
	StorageLocal  StorageType = "local"
)

// StorageLocation describes one place repos can be mirrored to. For remote
// locations the map key doubles as the transfer tool's remote name.
type StorageLocation struct {
	Type StorageType `toml:"type"`
	// StorePath is the path of the repoyard store root within the
	// location (relative to the remote's root for remote locations).
	StorePath string `toml:"store_path"`
}

// TransferToolConfig selects the external transfer tool invocation.
type TransferToolConfig struct {
	Binary     string `toml:"binary"`
	ConfigPath string `toml:"config_path"`
}

// Config is the main configuration for repoyard.
type Config struct {
	InstallID              string                     `toml:"install_id"`
	DataDir                string                     `toml:"data_dir"`
	LogDir                 string                     `toml:"log_dir"`
	DefaultStorageLocation string                     `toml:"default_storage_location"`
	SubIDCharset           string                     `toml:"subid_charset"`
	SubIDLength            int                        `toml:"subid_length"`
	DataExcludes           []string                   `toml:"data_excludes"`
	TransferTool           TransferToolConfig         `toml:"transfer_tool"`
	StorageLocations       map[string]StorageLocation `toml:"storage_locations"`
}

// DefaultDataExcludes are the patterns skipped when syncing repo data.
var DefaultDataExcludes = []string{".venv/**", "node_modules/**", "__pycache__/**"}

// NewConfig creates a Config with the provided values and default layout.
func NewConfig(installID, dataDir string) *Config {
	return &Config{
		InstallID:    installID,
		DataDir:      dataDir,
		LogDir:       filepath.Join(dataDir, "log"),
		SubIDLength:  6,
		DataExcludes: append([]string(nil), DefaultDataExcludes...),
		TransferTool: TransferToolConfig{
			Binary:     "rclone",
			ConfigPath: filepath.Join(dataDir, "transfer.conf"),
		},
		StorageLocations: map[string]StorageLocation{},
	}
}

// Derived paths under DataDir. The layout is an implementation detail of
// this installation; nothing remote depends on it.

func (c *Config) MetaPath() string         { return filepath.Join(c.DataDir, "repoyard_meta.json") }
func (c *Config) HistoryPath() string      { return filepath.Join(c.DataDir, "history.db") }
func (c *Config) LocksDir() string         { return filepath.Join(c.DataDir, "locks") }
func (c *Config) RemoteIndexesDir() string { return filepath.Join(c.DataDir, "remote_indexes") }
func (c *Config) SyncRecordsDir() string   { return filepath.Join(c.DataDir, "sync_records") }
func (c *Config) LocalStoreDir() string    { return filepath.Join(c.DataDir, "local_store") }

// Location returns the named storage location.
func (c *Config) Location(name string) (StorageLocation, error) {
	sl, ok := c.StorageLocations[name]
	if !ok {
		return StorageLocation{}, fmt.Errorf("unknown storage location %q", name)
	}
	return sl, nil
}

// Validate checks cross-field constraints that toml decoding cannot.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if len(c.StorageLocations) == 0 {
		return fmt.Errorf("at least one storage location must be configured")
	}
	if c.DefaultStorageLocation != "" {
		if _, ok := c.StorageLocations[c.DefaultStorageLocation]; !ok {
			return fmt.Errorf("default_storage_location %q is not a configured storage location", c.DefaultStorageLocation)
		}
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogDir == "" && c.DataDir != "" {
		c.LogDir = filepath.Join(c.DataDir, "log")
	}
	if c.SubIDLength <= 0 {
		c.SubIDLength = 6
	}
	if c.TransferTool.Binary == "" {
		c.TransferTool.Binary = "rclone"
	}
	if c.TransferTool.ConfigPath == "" && c.DataDir != "" {
		c.TransferTool.ConfigPath = filepath.Join(c.DataDir, "transfer.conf")
	}
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path. It refuses to
// overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
