package config

import "time"

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Queue: QueueConfig{
			Namespace:              "default",
			StaleMaxAge:            5 * time.Minute,
			AwaitingResponseMaxAge: 24 * time.Hour,
			SweepInterval:          time.Minute,
			ClaimBatchSize:         10,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Backoff: BackoffConfig{
				Strategy:       BackoffExponential,
				InitialDelayMs: 1000,
				MaxDelayMs:     60000,
				Multiplier:     2,
			},
			CauseSpecific: map[string]CausePolicy{
				"RATE_LIMIT": {
					MaxRetries: intPtr(5),
					Backoff: &BackoffConfig{
						Strategy:       BackoffExponential,
						InitialDelayMs: 5000,
						MaxDelayMs:     60000,
						Multiplier:     2,
						Jitter:         0.2,
					},
				},
				"TIMEOUT": {
					MaxRetries: intPtr(2),
					Backoff: &BackoffConfig{
						Strategy:       BackoffFixed,
						InitialDelayMs: 5000,
						MaxDelayMs:     5000,
					},
					ModificationHint: "The previous attempt timed out. Split the work into smaller steps and complete them one at a time.",
				},
			},
		},
		Executor: ExecutorConfig{
			Command:      "claude-runner",
			BuildTimeout: 300 * time.Second,
			StopTimeout:  30 * time.Second,
		},
		Stream: StreamConfig{
			MaxChunks: 10000,
		},
		Server: ServerConfig{
			Addr:              ":8080",
			HeartbeatInterval: 30 * time.Second,
		},
		Runner: RunnerConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  2 * time.Minute,
		},
		Timeouts: TimeoutProfiles{
			"READ_INFO":      5 * time.Minute,
			"IMPLEMENTATION": 30 * time.Minute,
			"REPORT":         10 * time.Minute,
		},
		SkillsDir: ".claude/skills",
		StateDir:  StateDirName,
	}
}

func intPtr(v int) *int { return &v }
