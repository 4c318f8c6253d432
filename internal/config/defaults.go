package config

const (
	defaultConfigPath         = "~/.config/stagewatch/config.toml"
	defaultStateDir           = "~/.local/share/stagewatch"
	defaultLogDir             = "~/.local/share/stagewatch/logs"
	defaultCacheFileName      = "stage_outputs.db"
	defaultServiceBaseURL     = "http://127.0.0.1:8000"
	defaultRequestTimeout     = 15
	defaultPollIntervalMS     = 2000
	defaultStreamMaxAttempts  = 5
	defaultStreamBackoffCapMS = 10000
	defaultEventBuffer        = 256
	defaultCacheCapacity      = 100
	defaultCacheTTLHours      = 24
	defaultNtfyTimeout        = 10
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"

	// APITokenEnv is consulted when service.api_token is empty.
	APITokenEnv = "STAGEWATCH_API_TOKEN"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Service: Service{
			BaseURL:        defaultServiceBaseURL,
			RequestTimeout: defaultRequestTimeout,
		},
		Tracking: Tracking{
			PollIntervalMS:     defaultPollIntervalMS,
			StreamMaxAttempts:  defaultStreamMaxAttempts,
			StreamBackoffCapMS: defaultStreamBackoffCapMS,
			EventBuffer:        defaultEventBuffer,
		},
		Cache: Cache{
			Persist:  true,
			Capacity: defaultCacheCapacity,
			TTLHours: defaultCacheTTLHours,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
