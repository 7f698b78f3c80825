package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// SettlementConfig holds the engine and scheduler settings. It is re-read
// on SIGHUP and installed with Engine.Reload.
type SettlementConfig struct {
	StuckGrace           time.Duration `env:"STUCK_GRACE" envDefault:"5m"`
	EvaluatorTimeout     time.Duration `env:"EVALUATOR_TIMEOUT" envDefault:"10s"`
	EvaluatorParallelism int           `env:"EVALUATOR_PARALLELISM" envDefault:"8"`
	MetricRulesPath      string        `env:"METRIC_RULES_PATH"`

	Schedule            string        `env:"SCHEDULE" envDefault:"@every 30s"`
	FinalizeParallelism int           `env:"FINALIZE_PARALLELISM" envDefault:"4"`
	TickTimeout         time.Duration `env:"TICK_TIMEOUT" envDefault:"5m"`
}

func LoadSettlement() (SettlementConfig, error) {
	var cfg SettlementConfig
	err := env.Parse(&cfg)
	return cfg, err
}
