package lnode

import (
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnode/build"
	"github.com/lightningnetwork/lnode/chainntnfs"
	"github.com/lightningnetwork/lnode/chanfsm"
	"github.com/lightningnetwork/lnode/chanlogic"
	"github.com/lightningnetwork/lnode/channeldb"
	"github.com/lightningnetwork/lnode/monitoring"
	"github.com/lightningnetwork/lnode/peer"
	"github.com/lightningnetwork/lnode/protofsm"
	"github.com/lightningnetwork/lnode/signal"
)

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling InitLogRotator() on the main log writer instance in the config.
var (
	// lnodPkgLoggers is a list of all lnode package level loggers that are
	// registered. They are tracked here so they can be replaced once the
	// SetupLoggers function is called with the final root logger.
	lnodPkgLoggers []*replaceableLogger

	// addLnodPkgLogger is a helper function that creates a new replaceable
	// main lnode package level logger and adds it to the list of loggers
	// that are replaced again later, once the final root logger is ready.
	addLnodPkgLogger = func(subsystem string) *replaceableLogger {
		l := &replaceableLogger{
			Logger:    build.NewSubLogger(subsystem, nil),
			subsystem: subsystem,
		}
		lnodPkgLoggers = append(lnodPkgLoggers, l)
		return l
	}

	// Loggers that need to be accessible from the lnode package can be
	// placed here. Loggers that are only used in sub modules can be added
	// directly by using the addSubLogger method. We declare all loggers so
	// we never run into a nil reference if they are used early. But the
	// SetupLoggers function should always be called as soon as possible to
	// finish setting them up properly with a root logger.
	lnodLog = addLnodPkgLogger("LNOD")
)

// replaceableLogger is a thin wrapper around a logger that is used so the
// logger can be replaced easily without some black pointer magic.
type replaceableLogger struct {
	btclog.Logger
	subsystem string
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.RotatingLogWriter,
	interceptor signal.Interceptor) {

	genLogger := genSubLogger(root, interceptor)

	// Now that we have the proper root logger, we can replace the
	// placeholder lnode package loggers.
	for _, l := range lnodPkgLoggers {
		l.Logger = build.NewSubLogger(l.subsystem, genLogger)
		SetSubLogger(root, l.subsystem, l.Logger)
	}

	AddSubLogger(root, channeldb.Subsystem, interceptor,
		channeldb.UseLogger)
	AddSubLogger(root, protofsm.Subsystem, interceptor, protofsm.UseLogger)
	AddSubLogger(root, chanfsm.Subsystem, interceptor, chanfsm.UseLogger)
	AddSubLogger(root, chanlogic.Subsystem, interceptor,
		chanlogic.UseLogger)
	AddSubLogger(root, chainntnfs.Subsystem, interceptor,
		chainntnfs.UseLogger)
	AddSubLogger(root, peer.Subsystem, interceptor, peer.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, interceptor,
		monitoring.UseLogger)
	AddSubLogger(root, signal.Subsystem, interceptor, signal.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.RotatingLogWriter, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger instance,
	// which we will give to the root logger.
	genLogger := genSubLogger(root, interceptor)

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.RotatingLogWriter, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// genSubLogger creates a callback for creating a sub logger whose critical
// messages request a shutdown.
func genSubLogger(root *build.RotatingLogWriter,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func() {
		if !interceptor.Listening() {
			return
		}

		interceptor.RequestShutdown()
	}

	// Return a function which will create a sublogger from our root
	// logger without shutdown fn.
	return func(tag string) btclog.Logger {
		logger := root.GenSubLogger(tag)
		return build.NewShutdownLogger(logger, shutdown)
	}
}
