/*
Package log provides structured logging for the Protekt agent using zerolog.

It wraps zerolog with a globally initialized logger, component-specific
child loggers, and an optional JSON file sink under the agent data
directory. All subsystems obtain their logger through WithComponent so that
every line carries the subsystem name.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, LogDir: "./data/logs"})

	watcherLog := log.WithComponent("watcher")
	watcherLog.Warn().Str("path", p).Msg("mass rename burst detected")
*/
package log
