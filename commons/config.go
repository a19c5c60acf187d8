package commons

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/xid"
	"golang.org/x/xerrors"
	yaml "gopkg.in/yaml.v2"
)

// GetDefaultInstanceID returns default instance id
func GetDefaultInstanceID() string {
	return xid.New().String()
}

// GetDefaultDataRootDirPath returns default data root path
func GetDefaultDataRootDirPath() string {
	dirPath, err := os.Getwd()
	if err != nil {
		return "/var/lib/imagepool"
	}
	return dirPath
}

// Config holds the parameters list which can be configured
type Config struct {
	CacheSizeMax   int64 `json:"cache_size_max,omitempty" yaml:"cache_size_max,omitempty"`
	DecodePoolSize int   `json:"decode_pool_size,omitempty" yaml:"decode_pool_size,omitempty"`
	DecodeWidth    int   `json:"decode_width,omitempty" yaml:"decode_width,omitempty"`
	DecodeHeight   int   `json:"decode_height,omitempty" yaml:"decode_height,omitempty"`

	// DisableOrderedDelivery turns off the completion aggregator so
	// results apply in arrival order
	DisableOrderedDelivery bool `json:"disable_ordered_delivery,omitempty" yaml:"disable_ordered_delivery,omitempty"`

	DataRootPath string `json:"data_root_path,omitempty" yaml:"data_root_path,omitempty"`
	LogPath      string `json:"log_path,omitempty" yaml:"log_path,omitempty"`

	Profile  bool   `json:"profile,omitempty" yaml:"profile,omitempty"`
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Debug    bool   `json:"debug,omitempty" yaml:"debug,omitempty"`

	InstanceID string `json:"instanceid,omitempty" yaml:"instanceid,omitempty"`
}

// NewDefaultConfig creates a default Config
func NewDefaultConfig() *Config {
	return &Config{
		CacheSizeMax:   CacheSizeMaxDefault,
		DecodePoolSize: DecodePoolSizeDefault,
		DecodeWidth:    DecodeWidthDefault,
		DecodeHeight:   DecodeHeightDefault,

		DisableOrderedDelivery: false,

		DataRootPath: GetDefaultDataRootDirPath(),
		LogPath:      "",

		Profile:  false,
		LogLevel: "",
		Debug:    false,

		InstanceID: GetDefaultInstanceID(),
	}
}

// NewConfigFromYAML creates Config from YAML, overlaying the defaults
func NewConfigFromYAML(yamlBytes []byte) (*Config, error) {
	config := NewDefaultConfig()

	err := yaml.Unmarshal(yamlBytes, config)
	if err != nil {
		return nil, xerrors.Errorf("failed to unmarshal YAML: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (config *Config) Validate() error {
	if config.CacheSizeMax <= 0 {
		return xerrors.Errorf("cache size max must be positive, got %d", config.CacheSizeMax)
	}

	if config.DecodePoolSize < 0 {
		return xerrors.Errorf("decode pool size must not be negative, got %d", config.DecodePoolSize)
	}

	if config.DecodeWidth < 0 || config.DecodeHeight < 0 {
		return xerrors.Errorf("decode dimensions must not be negative, got %dx%d", config.DecodeWidth, config.DecodeHeight)
	}

	if len(config.InstanceID) == 0 {
		return xerrors.Errorf("instance id is not given")
	}

	return nil
}

// GetLogFilePath returns the log file path
func (config *Config) GetLogFilePath() string {
	if len(config.LogPath) > 0 {
		return config.LogPath
	}

	return filepath.Join(config.DataRootPath, LogFileName)
}

// MakeLogDir creates the directory holding the log file
func (config *Config) MakeLogDir() error {
	logFilePath := config.GetLogFilePath()
	if logFilePath == "-" || len(logFilePath) == 0 {
		return nil
	}

	logDirPath := filepath.Dir(logFilePath)
	err := os.MkdirAll(logDirPath, 0o775)
	if err != nil {
		return xerrors.Errorf("failed to make dir %q: %w", logDirPath, err)
	}

	return nil
}

// IsYAMLFile checks if the given file is a YAML file by extension
func IsYAMLFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	return ext == ".yaml" || ext == ".yml"
}
