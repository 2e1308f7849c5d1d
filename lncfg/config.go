package lncfg

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

const (
	// DefaultConfigFilename is the default configuration file name lnode
	// tries to load.
	DefaultConfigFilename = "lnode.conf"

	// DefaultDataDirname is the name of the data directory inside the
	// lnode home.
	DefaultDataDirname = "data"

	// ChainBackend is the chain every channel is anchored to.
	ChainBackend = "bitcoin"

	chainSubDir = "chain"
)

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// NormalizeNetwork returns the common name of a network type used to create
// file paths. This allows differently versioned networks to use the same path.
func NormalizeNetwork(network string) string {
	if strings.HasPrefix(network, "testnet") {
		return "testnet"
	}

	return network
}

// ChannelDBDir returns the directory holding the channel state database of
// the given network below dataDir.
func ChannelDBDir(dataDir, network string) string {
	return filepath.Join(
		dataDir, chainSubDir, ChainBackend, NormalizeNetwork(network),
	)
}
