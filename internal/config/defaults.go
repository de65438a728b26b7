package config

import (
	"github.com/knadh/koanf/v2"

	"github.com/dreamware/strata/internal/balancer"
	"github.com/dreamware/strata/internal/loadqueue"
)

func loadDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"coordinator.addr": ":8080",

		"node.listen":          ":8081",
		"node.addr":            "http://127.0.0.1:8081",
		"node.coordinator_url": "http://127.0.0.1:8080",
		"node.max_size":        int64(10 << 30),

		"balancer.parallelism":         4,
		"balancer.period":              "30s",
		"balancer.max_moves":           5,
		"balancer.compute_timeout":     "0s",
		"balancer.half_life":           balancer.DefaultHalfLife.String(),
		"balancer.size_scale":          balancer.DefaultSizeScale,
		"balancer.same_source_penalty": balancer.DefaultSameSourcePenalty,
		"balancer.recency_window":      balancer.DefaultRecencyWindow.String(),
		"balancer.recency_multiplier":  balancer.DefaultRecencyMultiplier,
		"balancer.use_recency":         false,
		"balancer.command_rate":        float64(loadqueue.DefaultCommandRate),
		"balancer.command_burst":       loadqueue.DefaultBurst,
		"balancer.max_attempts":        loadqueue.DefaultMaxAttempts,

		"health.interval":     "5s",
		"health.timeout":      "2s",
		"health.max_failures": 3,

		"logging.level":  "info",
		"logging.format": "pretty",
	}

	for key, val := range defaults {
		k.Set(key, val)
	}
}
