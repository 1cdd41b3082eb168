package config

import "strings"

// Environment identifies the runtime environment where tokencart operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Driver selects the persistence gateway implementation.
type Driver string

const (
	// DriverMemory keeps all state in process. Useful for local runs and demos.
	DriverMemory Driver = "memory"
	// DriverPostgres uses the PostgreSQL gateway and mutation journal.
	DriverPostgres Driver = "postgres"
	// DriverBolt uses an embedded BoltDB file.
	DriverBolt Driver = "bolt"
)

func normalizeDriver(name string) Driver {
	return Driver(strings.ToLower(strings.TrimSpace(name)))
}
