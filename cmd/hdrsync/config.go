// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/hdrsync/chaincfg"
	"github.com/btcsuite/hdrsync/connmgr"
	"github.com/btcsuite/hdrsync/database"
	hlog "github.com/btcsuite/hdrsync/internal/log"
	"github.com/btcsuite/hdrsync/internal/version"
	"github.com/btcsuite/hdrsync/netsync"
	"github.com/btcsuite/hdrsync/node"
	"github.com/btcsuite/hdrsync/peer"
	"github.com/btcsuite/hdrsync/sampleconfig"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "hdrsync.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "hdrsync.log"
	defaultBanDuration    = time.Hour * 24
)

var (
	defaultHomeDir    = btcutil.AppDataDir("hdrsync", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
	knownDbTypes      = database.SupportedDrivers()
)

// runServiceCommand is only set to a real function on Windows.  It is used
// to parse and execute service commands specified via the -s flag.
var runServiceCommand func(string) error

// config defines the configuration options for hdrsync.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion       bool          `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile        string        `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir           string        `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir            string        `long:"logdir" description:"Directory to log output."`
	AddPeers          []string      `short:"a" long:"addpeer" description:"Add a peer to connect with at startup"`
	ConnectPeers      []string      `long:"connect" description:"Connect only to the specified peers at startup"`
	TargetPeer        string        `long:"targetpeer" description:"Consider the chain synced only once this peer has no more headers"`
	MaxPeers          int           `long:"maxpeers" description:"Number of outbound peers to keep once synced"`
	BanDuration       time.Duration `long:"banduration" description:"How long to ban misbehaving peers.  Valid time units are {s, m, h}.  Minimum 1 second"`
	BanThreshold      uint32        `long:"banthreshold" description:"Maximum allowed ban score before disconnecting and banning misbehaving peers."`
	Proxy             string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser         string        `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass         string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	HandshakeTimeout  time.Duration `long:"handshaketimeout" description:"How long to wait for a peer to complete the handshake"`
	PingInterval      time.Duration `long:"pinginterval" description:"Interval between pings sent to a peer"`
	PongTimeout       time.Duration `long:"pongtimeout" description:"How long to wait for a pong before disconnecting a peer"`
	ResponseTimeout   time.Duration `long:"responsetimeout" description:"How long to wait for a peer to answer a headers request"`
	MaxConnTime       time.Duration `long:"maxconntime" description:"How long a peer is kept before it is replaced by another one"`
	TestNet3          bool          `long:"testnet" description:"Use the test network"`
	RegressionTest    bool          `long:"regtest" description:"Use the regression test network"`
	SigNet            bool          `long:"signet" description:"Use the signet test network"`
	AddCheckpoints    []string      `long:"addcheckpoint" description:"Add a custom checkpoint.  Format: '<height>:<hash>'"`
	DbType            string        `long:"dbtype" description:"Database backend to use for the header chain"`
	DebugLevel        string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	UserAgentComments []string      `long:"uacomment" description:"Comment to add to the user agent -- See BIP 14 for more information."`
	MetricsListen     string        `long:"metricslisten" description:"Serve prometheus metrics on this address (eg. 127.0.0.1:9332)"`
	WSListen          string        `long:"wslisten" description:"Stream sync events over a websocket on this address (eg. 127.0.0.1:9333)"`
	ExitOnSync        bool          `long:"exitonsync" description:"Shut down once the header chain is synced"`
	Profile           string        `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`

	params      *chaincfg.Params
	checkpoints []chaincfg.Checkpoint
}

// serviceOptions defines the configuration options for the daemon as a service
// on Windows.
type serviceOptions struct {
	ServiceCommand string `short:"s" long:"service" description:"Service command {install, remove, start, stop, status}"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validDbType returns whether or not dbType is a supported database type.
func validDbType(dbType string) bool {
	for _, knownType := range knownDbTypes {
		if dbType == knownType {
			return true
		}
	}

	return false
}

// removeDuplicateAddresses returns a new slice with all duplicate entries in
// addrs removed.
func removeDuplicateAddresses(addrs []string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, val := range addrs {
		if _, ok := seen[val]; !ok {
			result = append(result, val)
			seen[val] = struct{}{}
		}
	}
	return result
}

// normalizeAndRemoveDuplicateAddresses return a new slice with all the passed
// peer addresses normalized with the given default port, and all duplicates
// removed.
func normalizeAndRemoveDuplicateAddresses(addrs []string, defaultPort string) []string {
	for i, addr := range addrs {
		addrs[i] = connmgr.NormalizeAddress(addr, defaultPort)
	}

	return removeDuplicateAddresses(addrs)
}

// newCheckpointFromStr parses checkpoints in the '<height>:<hash>' format.
func newCheckpointFromStr(checkpoint string) (chaincfg.Checkpoint, error) {
	parts := strings.Split(checkpoint, ":")
	if len(parts) != 2 {
		return chaincfg.Checkpoint{}, fmt.Errorf("unable to parse "+
			"checkpoint %q -- use the syntax <height>:<hash>",
			checkpoint)
	}

	height, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return chaincfg.Checkpoint{}, fmt.Errorf("unable to parse "+
			"checkpoint %q due to malformed height", checkpoint)
	}

	if len(parts[1]) == 0 {
		return chaincfg.Checkpoint{}, fmt.Errorf("unable to parse "+
			"checkpoint %q due to missing hash", checkpoint)
	}
	hash, err := chainhash.NewHashFromStr(parts[1])
	if err != nil {
		return chaincfg.Checkpoint{}, fmt.Errorf("unable to parse "+
			"checkpoint %q due to malformed hash", checkpoint)
	}

	return chaincfg.Checkpoint{
		Height: int32(height),
		Hash:   hash,
	}, nil
}

// parseCheckpoints checks the checkpoint strings for valid syntax
// ('<height>:<hash>') and parses them to chaincfg.Checkpoint instances.
func parseCheckpoints(checkpointStrings []string) ([]chaincfg.Checkpoint, error) {
	if len(checkpointStrings) == 0 {
		return nil, nil
	}
	checkpoints := make([]chaincfg.Checkpoint, len(checkpointStrings))
	for i, cpString := range checkpointStrings {
		checkpoint, err := newCheckpointFromStr(cpString)
		if err != nil {
			return nil, err
		}
		checkpoints[i] = checkpoint
	}
	return checkpoints, nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// createDefaultConfigFile writes the sample configuration to destinationPath.
func createDefaultConfigFile(destinationPath string) error {
	// Create the destination directory if it does not exist.
	err := os.MkdirAll(filepath.Dir(destinationPath), 0700)
	if err != nil {
		return err
	}

	return os.WriteFile(destinationPath, []byte(sampleconfig.FileContents),
		0600)
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, so *serviceOptions, options flags.Options) *flags.Parser {
	parser := flags.NewParser(cfg, options)
	if runtime.GOOS == "windows" {
		parser.AddGroup("Service Options", "Service Options", so)
	}
	return parser
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in hdrsync functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig(args []string) (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile:       defaultConfigFile,
		DebugLevel:       defaultLogLevel,
		MaxPeers:         netsync.DefaultTargetOutbound,
		BanDuration:      defaultBanDuration,
		BanThreshold:     netsync.DefaultBanThreshold,
		DataDir:          defaultDataDir,
		LogDir:           defaultLogDir,
		DbType:           node.DefaultDbType,
		HandshakeTimeout: peer.DefaultHandshakeTimeout,
		PingInterval:     peer.DefaultPingInterval,
		PongTimeout:      peer.DefaultPongTimeout,
		ResponseTimeout:  netsync.DefaultResponseTimeout,
		MaxConnTime:      node.DefaultMaxConnTime,
	}

	// Service options which are only added on Windows.
	serviceOpts := serviceOptions{}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, &serviceOpts, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return nil, nil, err
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version.String())
		os.Exit(0)
	}

	// Perform service command and exit if specified.  Invalid service
	// commands show an appropriate error.  Only runs on Windows since
	// the runServiceCommand function will be nil when not on Windows.
	if serviceOpts.ServiceCommand != "" && runServiceCommand != nil {
		err := runServiceCommand(serviceOpts.ServiceCommand)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(0)
	}

	// Create the default config file when it does not exist yet.
	if preCfg.ConfigFile == defaultConfigFile && !fileExists(defaultConfigFile) {
		if err := createDefaultConfigFile(defaultConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config "+
				"file: %v\n", err)
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(&cfg, &serviceOpts, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n",
				err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	funcName := "loadConfig"
	numNets := 0
	cfg.params = &chaincfg.MainNetParams
	if cfg.TestNet3 {
		numNets++
		cfg.params = &chaincfg.TestNet3Params
	}
	if cfg.RegressionTest {
		numNets++
		cfg.params = &chaincfg.RegressionNetParams
	}
	if cfg.SigNet {
		numNets++
		cfg.params = &chaincfg.SigNetParams
	}
	if numNets > 1 {
		str := "%s: the testnet, regtest and signet params can't be " +
			"used together -- choose one of the three"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.  In addition to the block database, there
	// are other pieces of data that are saved to disk such as address
	// manager state.  All data is specific to a network, so namespacing
	// the data directory means each individual piece of serialized data
	// does not have to worry about changing names per network and such.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.params.Name)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", hlog.SupportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	if err := hlog.InitLogRotator(filepath.Join(cfg.LogDir,
		defaultLogFilename)); err != nil {

		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := hlog.ParseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Validate database type.
	if !validDbType(cfg.DbType) {
		str := "%s: the specified database type [%v] is invalid -- " +
			"supported types %v"
		err := fmt.Errorf(str, funcName, cfg.DbType, knownDbTypes)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Don't allow ban durations that are too short.
	if cfg.BanDuration < time.Second {
		str := "%s: the banduration option may not be less than 1s -- parsed [%v]"
		err := fmt.Errorf(str, funcName, cfg.BanDuration)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if cfg.MaxPeers < 1 {
		str := "%s: the maxpeers option must be at least 1 -- parsed [%v]"
		err := fmt.Errorf(str, funcName, cfg.MaxPeers)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// --addpeer and --connect do not mix.
	if len(cfg.AddPeers) > 0 && len(cfg.ConnectPeers) > 0 {
		str := "%s: the --addpeer and --connect options can not be " +
			"mixed"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Add default port to all added peer addresses if needed and remove
	// duplicate addresses.
	defaultPort := cfg.params.DefaultPort
	cfg.AddPeers = normalizeAndRemoveDuplicateAddresses(cfg.AddPeers,
		defaultPort)
	cfg.ConnectPeers = normalizeAndRemoveDuplicateAddresses(
		cfg.ConnectPeers, defaultPort)
	if cfg.TargetPeer != "" {
		cfg.TargetPeer = connmgr.NormalizeAddress(cfg.TargetPeer,
			defaultPort)
	}

	// Check the checkpoints for syntax errors.
	cfg.checkpoints, err = parseCheckpoints(cfg.AddCheckpoints)
	if err != nil {
		str := "%s: Error parsing checkpoints: %v"
		err := fmt.Errorf(str, funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		hsynLog.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}

// nodeConfig returns the node configuration for the options.
func (cfg *config) nodeConfig() *node.Config {
	return &node.Config{
		ChainParams:       cfg.params,
		DataDir:           cfg.DataDir,
		DbType:            cfg.DbType,
		ConnectPeers:      cfg.ConnectPeers,
		AddPeers:          cfg.AddPeers,
		TargetPeer:        cfg.TargetPeer,
		MaxPeers:          uint32(cfg.MaxPeers),
		Proxy:             cfg.Proxy,
		ProxyUser:         cfg.ProxyUser,
		ProxyPass:         cfg.ProxyPass,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		PingInterval:      cfg.PingInterval,
		PongTimeout:       cfg.PongTimeout,
		ResponseTimeout:   cfg.ResponseTimeout,
		MaxConnTime:       cfg.MaxConnTime,
		BanThreshold:      cfg.BanThreshold,
		BanDuration:       cfg.BanDuration,
		Checkpoints:       cfg.checkpoints,
		UserAgentComments: cfg.UserAgentComments,
	}
}
