package processors

import "github.com/harunnryd/voiceturn/pkg/aggregators"

func aggregatorCfg() aggregators.AggregatorConfig {
	return aggregators.AggregatorConfig{MinLen: 3}
}
