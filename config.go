package bridge

import (
	"github.com/caarlos0/env/v11"
	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"
)

const (
	defaultMaxPickleDepth = 512
)

// Config holds bridge settings. Defaults come from DefaultConfig; LoadConfig only
// overrides the fields whose variables are set.
type Config struct {
	// LogLevel is a zap level name.
	LogLevel string `env:"LOG_LEVEL"`
	// LogFile, when set, sends the bridge log through a rotating file instead of stderr.
	LogFile string `env:"LOG_FILE"`
	// TimingLog receives event subscriber timings for queues with debug timing on.
	TimingLog       string `env:"TIMING_LOG"`
	TimingLogMaxMB  int    `env:"TIMING_LOG_MAX_MB"`
	TimingLogMaxAge int    `env:"TIMING_LOG_MAX_AGE_DAYS"`
	// DebugEvents turns on debug timing for every queue as it is created.
	DebugEvents bool `env:"DEBUG_EVENTS"`
	// TrustedPaths lists path prefixes whose scripts are loaded as trusted.
	TrustedPaths   []string `env:"TRUSTED_PATHS" envSeparator:":"`
	MaxPickleDepth int      `env:"MAX_PICKLE_DEPTH"`
	CallStackSize  int      `env:"CALL_STACK_SIZE"`
	RegistrySize   int      `env:"REGISTRY_SIZE"`
	// AllowNetwork preloads the http module. It stays protected either way.
	AllowNetwork bool `env:"ALLOW_NETWORK"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:        "info",
		TimingLogMaxMB:  10,
		TimingLogMaxAge: 7,
		MaxPickleDepth:  defaultMaxPickleDepth,
		CallStackSize:   lua.CallStackSize,
		RegistrySize:    lua.RegistrySize,
	}
}

// LoadConfig reads BRIDGE_ prefixed environment variables over base.
func LoadConfig(base Config) (Config, error) {
	cfg := base
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "BRIDGE_"}); err != nil {
		return cfg, WithStack(err)
	}
	return cfg.normalized(), nil
}

// LoadConfigScript runs a Lua file returning a table, e.g.
//
//	return { log_level = "debug", trusted_paths = { "data/core" } }
//
// and maps it onto DefaultConfig. The script runs in a throwaway state.
func LoadConfigScript(path string) (Config, error) {
	cfg := DefaultConfig()
	L := lua.NewState()
	defer L.Close()
	if err := L.DoFile(path); err != nil {
		return cfg, WithStack(err)
	}
	tbl, ok := L.Get(-1).(*lua.LTable)
	if !ok {
		return cfg, &RegistrationError{Name: path, Reason: "config script must return a table"}
	}
	if err := gluamapper.Map(tbl, &cfg); err != nil {
		return cfg, WithStack(err)
	}
	return cfg.normalized(), nil
}

func (c Config) normalized() Config {
	if c.MaxPickleDepth <= 0 {
		c.MaxPickleDepth = defaultMaxPickleDepth
	}
	if c.CallStackSize <= 0 {
		c.CallStackSize = lua.CallStackSize
	}
	if c.RegistrySize <= 0 {
		c.RegistrySize = lua.RegistrySize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}
