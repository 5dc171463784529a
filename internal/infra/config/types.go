package config

// Environment identifies the runtime environment where the reactor operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StateBackend selects the session state mirror implementation.
type StateBackend string

const (
	// StateBackendMemory keeps session states in process.
	StateBackendMemory StateBackend = "memory"
	// StateBackendRedis mirrors session states into Redis hashes.
	StateBackendRedis StateBackend = "redis"
)
