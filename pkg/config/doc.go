// Package config loads the management settings of a brooklyn server from
// TOML:
//
//	[management]
//	workers = 8
//	resolve_timeout = "30s"
//	dedup = true
//
//	[store]
//	path = "brooklyn.db"
//
//	[logging]
//	level = "debug"
//	format = "json"
//
//	[properties]
//	"brooklyn.location.name" = "localhost"
//
//	[properties.test]
//	confName = "global"
//
// Unset keys keep their defaults. The properties table holds the global
// config every node falls back to; nested tables are flattened into dotted
// keys, so the example above defines "test.confName".
package config
