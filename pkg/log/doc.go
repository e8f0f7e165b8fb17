/*
Package log provides structured logging for the map service on top of
zerolog.

Init configures the global Logger once at startup from the log section of
the configuration. Console output is the default; JSON output is meant for
log collectors.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Components take a child logger at construction so every line carries its
origin:

	logger := log.WithComponent("surface-broker")
	logger.Info().Str("uuid", id).Msg("map_created published")

WithAPI and WithAppID add the api and appid fields used
across the request flow. Verb dispatch logs at debug, failures at warn, and
unroutable notifications at info.
*/
package log
