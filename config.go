// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2020 The Lightning Network Developers

package lnode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnode/build"
	"github.com/lightningnetwork/lnode/chainntnfs/bitcoindnotify"
	"github.com/lightningnetwork/lnode/lncfg"
)

const (
	defaultLogDirname  = "logs"
	defaultLogFilename = "lnode.log"
	defaultLogLevel    = "info"
	defaultNetwork     = "mainnet"
)

var (
	// DefaultLnodeDir is the default directory where lnode tries to find
	// its configuration file and store its data. This is a directory in
	// the user's application data, for example:
	//   C:\Users\<username>\AppData\Local\Lnode on Windows
	//   ~/.lnode on Linux
	//   ~/Library/Application Support/Lnode on MacOS
	DefaultLnodeDir = btcutil.AppDataDir("lnode", false)

	// DefaultConfigFile is the default full path of lnode's configuration
	// file.
	DefaultConfigFile = filepath.Join(
		DefaultLnodeDir, lncfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultLnodeDir, lncfg.DefaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultLnodeDir, defaultLogDirname)
)

// networkParams maps the supported network names to their parameters.
var networkParams = map[string]*chaincfg.Params{
	"mainnet":  &chaincfg.MainNetParams,
	"testnet3": &chaincfg.TestNet3Params,
	"regtest":  &chaincfg.RegressionNetParams,
	"signet":   &chaincfg.SigNetParams,
	"simnet":   &chaincfg.SimNetParams,
}

// Config defines the configuration options for lnode.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	LnodeDir   string `long:"lnodedir" description:"The base directory that contains lnode's data, logs, configuration file, etc. This option overwrites all other directory options."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store lnode's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Network string `long:"network" description:"The bitcoin network the channels live on" choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"signet" choice:"simnet"`

	LogConfig *build.FileLoggerConfig `group:"logging" namespace:"logging"`

	Bitcoind *lncfg.Bitcoind `group:"bitcoind" namespace:"bitcoind"`

	DB *lncfg.DB `group:"db" namespace:"db"`

	Workers *lncfg.Workers `group:"workers" namespace:"workers"`

	Prometheus lncfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthChecks *lncfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	// ActiveNetParams are the parameters of the selected network.
	ActiveNetParams *chaincfg.Params

	// LogWriter is the root logger that all of the daemon's subloggers
	// are hooked up to.
	LogWriter *build.RotatingLogWriter
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		LnodeDir:     DefaultLnodeDir,
		ConfigFile:   DefaultConfigFile,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		DebugLevel:   defaultLogLevel,
		Network:      defaultNetwork,
		LogConfig:    build.DefaultFileLoggerConfig(),
		Bitcoind:     lncfg.DefaultBitcoind(),
		DB:           lncfg.DefaultDB(),
		Workers:      lncfg.DefaultWorkers(),
		Prometheus:   lncfg.DefaultPrometheus(),
		HealthChecks: lncfg.DefaultHealthCheck(),
		LogWriter:    build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their lnodedir, then we should assume they intend to use
	// the config file within it.
	configFileDir := lncfg.CleanAndExpandPath(preCfg.LnodeDir)
	configFilePath := lncfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultLnodeDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, lncfg.DefaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		lnodLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided lnode directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	lnodeDir := lncfg.CleanAndExpandPath(cfg.LnodeDir)
	if lnodeDir != DefaultLnodeDir {
		cfg.DataDir = filepath.Join(lnodeDir, lncfg.DefaultDataDirname)
		cfg.LogDir = filepath.Join(lnodeDir, defaultLogDirname)
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)

	params, ok := networkParams[cfg.Network]
	if !ok {
		return nil, fmt.Errorf("unknown network: %v", cfg.Network)
	}
	cfg.ActiveNetParams = params

	if !build.SupportedLogCompressor(cfg.LogConfig.Compressor) {
		return nil, fmt.Errorf("invalid value for --logging.compressor: "+
			"%v", cfg.LogConfig.Compressor)
	}

	err := lncfg.Validate(
		cfg.Bitcoind, cfg.DB, cfg.Workers, &cfg.Prometheus,
		cfg.HealthChecks,
	)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// InitLogging initializes the log rotator and applies the configured debug
// levels. It must be called once the subsystem loggers are registered.
func (c *Config) InitLogging() error {
	// Special show command to list supported subsystems and exit.
	if c.DebugLevel == "show" {
		subsystems := c.LogWriter.SupportedSubsystems()
		fmt.Println("Supported subsystems", subsystems)
		os.Exit(0)
	}

	logFile := filepath.Join(
		c.LogDir, lncfg.ChainBackend,
		lncfg.NormalizeNetwork(c.ActiveNetParams.Name), defaultLogFilename,
	)
	if err := c.LogWriter.InitLogRotator(c.LogConfig, logFile); err != nil {
		return fmt.Errorf("log rotation setup failed: %w", err)
	}

	return build.ParseAndSetDebugLevels(c.DebugLevel, c.LogWriter)
}

// ChannelDBDir returns the directory of the channel state database for the
// active network.
func (c *Config) ChannelDBDir() string {
	return lncfg.ChannelDBDir(c.DataDir, c.ActiveNetParams.Name)
}

// RPCConfig returns the bitcoind RPC client settings.
func (c *Config) RPCConfig() *bitcoindnotify.RPCConfig {
	return &bitcoindnotify.RPCConfig{
		Host: c.Bitcoind.RPCHost,
		User: c.Bitcoind.RPCUser,
		Pass: c.Bitcoind.RPCPass,
		Retry: bitcoindnotify.RetryPolicy{
			MaxAttempts:     c.Bitcoind.RetryAttempts,
			InitialInterval: c.Bitcoind.RetryInitialInterval,
			MaxInterval:     c.Bitcoind.RetryMaxInterval,
		},
	}
}

// ZMQConfig returns the bitcoind ZMQ feed settings.
func (c *Config) ZMQConfig() bitcoindnotify.ZMQConfig {
	return bitcoindnotify.ZMQConfig{
		BlockHost:    c.Bitcoind.ZMQPubRawBlock,
		TxHost:       c.Bitcoind.ZMQPubRawTx,
		PollInterval: c.Bitcoind.ZMQReadDeadline,
	}
}

// bitcoindChainName returns the chain name bitcoind reports in
// getblockchaininfo for params.
func bitcoindChainName(params *chaincfg.Params) string {
	switch params.Net {
	case chaincfg.MainNetParams.Net:
		return "main"

	case chaincfg.TestNet3Params.Net:
		return "test"

	case chaincfg.RegressionNetParams.Net:
		return "regtest"

	default:
		return params.Name
	}
}
