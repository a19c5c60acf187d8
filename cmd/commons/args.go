package commons

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/visimg/go-imagepool/commons"
)

const (
	clientVersion = "0.1.0"
)

// SetCommonFlags sets the flags shared by commands
func SetCommonFlags(command *cobra.Command) {
	command.Flags().BoolP("version", "v", false, "Print version")
	command.Flags().BoolP("debug", "d", false, "Enable debug mode")
	command.Flags().String("log_level", "", "Set log level (default is INFO)")
	command.Flags().Bool("profile", false, "Enable profiling")

	command.Flags().StringP("config", "c", "", "Set config file (yaml)")
	command.Flags().String("instance_id", "", "Set instance ID")
	command.Flags().String("log_path", "", "Set log file path")
	command.Flags().String("data_root", "", "Set data root dir path")

	command.Flags().Int64("cache_size_max", commons.CacheSizeMaxDefault, "Set buffer cache size budget in bytes")
	command.Flags().Int("pool_size", commons.DecodePoolSizeDefault, "Set decode worker pool size (0 means cpus+1)")
	command.Flags().Int("width", commons.DecodeWidthDefault, "Set decode target width (0 means natural size)")
	command.Flags().Int("height", commons.DecodeHeightDefault, "Set decode target height (0 means natural size)")
	command.Flags().Bool("unordered", false, "Disable request-ordered completion delivery")
}

// ProcessCommonFlags processes the flags shared by commands. It returns
// the effective config, the log writer to close on exit, and whether the
// command should continue.
func ProcessCommonFlags(command *cobra.Command) (*commons.Config, io.WriteCloser, bool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "commons",
		"function": "ProcessCommonFlags",
	})

	logLevel := ""
	logLevelFlag := command.Flags().Lookup("log_level")
	if logLevelFlag != nil {
		logLevel = logLevelFlag.Value.String()
	}

	debug := false
	debugFlag := command.Flags().Lookup("debug")
	if debugFlag != nil {
		debug, _ = strconv.ParseBool(debugFlag.Value.String())
	}

	profile := false
	profileFlag := command.Flags().Lookup("profile")
	if profileFlag != nil {
		profile, _ = strconv.ParseBool(profileFlag.Value.String())
	}

	if len(logLevel) > 0 {
		lvl, err := log.ParseLevel(logLevel)
		if err != nil {
			lvl = log.InfoLevel
		}

		log.SetLevel(lvl)
	}

	if debug {
		log.SetLevel(log.DebugLevel)
	}

	versionFlag := command.Flags().Lookup("version")
	if versionFlag != nil {
		version, _ := strconv.ParseBool(versionFlag.Value.String())
		if version {
			PrintVersion(command)
			return nil, nil, false, nil // stop here
		}
	}

	readConfig := false
	var config *commons.Config

	configFlag := command.Flags().Lookup("config")
	if configFlag != nil {
		configPath := configFlag.Value.String()
		if len(configPath) > 0 {
			if configPath == "-" {
				// read from stdin
				stdinReader := bufio.NewReader(os.Stdin)
				yamlBytes, err := io.ReadAll(stdinReader)
				if err != nil {
					readErr := xerrors.Errorf("failed to read config from stdin: %w", err)
					logger.Errorf("%+v", readErr)
					return nil, nil, false, readErr // stop here
				}

				stdinConfig, err := commons.NewConfigFromYAML(yamlBytes)
				if err != nil {
					logger.Errorf("%+v", err)
					return nil, nil, false, err // stop here
				}

				config = stdinConfig
				readConfig = true
			} else {
				yamlBytes, err := os.ReadFile(configPath)
				if err != nil {
					readErr := xerrors.Errorf("failed to read config file %q: %w", configPath, err)
					logger.Errorf("%+v", readErr)
					return nil, nil, false, readErr // stop here
				}

				fileConfig, err := commons.NewConfigFromYAML(yamlBytes)
				if err != nil {
					logger.Errorf("%+v", err)
					return nil, nil, false, err // stop here
				}

				config = fileConfig
				readConfig = true
			}
		}
	}

	// default config
	if !readConfig {
		config = commons.NewDefaultConfig()
	}

	if len(config.LogLevel) > 0 {
		lvl, err := log.ParseLevel(config.LogLevel)
		if err != nil {
			lvl = log.InfoLevel
		}

		log.SetLevel(lvl)
	}

	// prioritize command-line flags over config files
	if len(logLevel) > 0 {
		config.LogLevel = logLevel
	}

	if debug {
		config.Debug = true
	}

	if profile {
		config.Profile = true
	}

	if config.Debug {
		log.SetLevel(log.DebugLevel)
	}

	instanceIDFlag := command.Flags().Lookup("instance_id")
	if instanceIDFlag != nil {
		instanceID := instanceIDFlag.Value.String()
		if len(instanceID) > 0 {
			config.InstanceID = instanceID
		}
	}

	logPathFlag := command.Flags().Lookup("log_path")
	if logPathFlag != nil {
		logPath := logPathFlag.Value.String()
		if len(logPath) > 0 {
			config.LogPath = logPath
		}
	}

	dataRootFlag := command.Flags().Lookup("data_root")
	if dataRootFlag != nil {
		dataRoot := dataRootFlag.Value.String()
		if len(dataRoot) > 0 {
			config.DataRootPath = dataRoot
		}
	}

	cacheSizeMaxFlag := command.Flags().Lookup("cache_size_max")
	if cacheSizeMaxFlag != nil && cacheSizeMaxFlag.Changed {
		cacheSizeMax, err := strconv.ParseInt(cacheSizeMaxFlag.Value.String(), 10, 64)
		if err != nil {
			parseErr := xerrors.Errorf("failed to convert cache_size_max to int: %w", err)
			logger.Errorf("%+v", parseErr)
			return nil, nil, false, parseErr // stop here
		}

		config.CacheSizeMax = cacheSizeMax
	}

	poolSizeFlag := command.Flags().Lookup("pool_size")
	if poolSizeFlag != nil && poolSizeFlag.Changed {
		poolSize, err := strconv.Atoi(poolSizeFlag.Value.String())
		if err != nil {
			parseErr := xerrors.Errorf("failed to convert pool_size to int: %w", err)
			logger.Errorf("%+v", parseErr)
			return nil, nil, false, parseErr // stop here
		}

		config.DecodePoolSize = poolSize
	}

	widthFlag := command.Flags().Lookup("width")
	if widthFlag != nil && widthFlag.Changed {
		width, err := strconv.Atoi(widthFlag.Value.String())
		if err != nil {
			parseErr := xerrors.Errorf("failed to convert width to int: %w", err)
			logger.Errorf("%+v", parseErr)
			return nil, nil, false, parseErr // stop here
		}

		config.DecodeWidth = width
	}

	heightFlag := command.Flags().Lookup("height")
	if heightFlag != nil && heightFlag.Changed {
		height, err := strconv.Atoi(heightFlag.Value.String())
		if err != nil {
			parseErr := xerrors.Errorf("failed to convert height to int: %w", err)
			logger.Errorf("%+v", parseErr)
			return nil, nil, false, parseErr // stop here
		}

		config.DecodeHeight = height
	}

	unorderedFlag := command.Flags().Lookup("unordered")
	if unorderedFlag != nil {
		unordered, _ := strconv.ParseBool(unorderedFlag.Value.String())
		if unordered {
			config.DisableOrderedDelivery = true
		}
	}

	var logWriter io.WriteCloser
	if len(config.LogPath) > 0 && config.LogPath != "-" {
		err := config.MakeLogDir()
		if err != nil {
			logger.Errorf("%+v", err)
			return nil, nil, false, err // stop here
		}

		logFilePath := config.GetLogFilePath()
		logWriter = getLogWriter(logFilePath)

		// use multi output - to output to file and stderr
		mw := io.MultiWriter(os.Stderr, logWriter)
		log.SetOutput(mw)

		logger.Infof("Logging to %q", logFilePath)
	}

	return config, logWriter, true, nil // continue
}

func getLogWriter(logPath string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    50, // 50MB
		MaxBackups: 5,
		MaxAge:     30, // 30 days
		Compress:   false,
	}
}

// PrintVersion prints the version of the client
func PrintVersion(command *cobra.Command) {
	fmt.Printf("%s v%s (%s %s/%s)\n", commons.ClientProgramName, clientVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
