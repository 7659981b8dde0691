// internal/logging/sampling.go
package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore applies level-aware sampling to core. Entries at Error
// and above bypass the sampler entirely; everything below is throttled
// using the Info-level rate from cfg.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	rate := cfg.Levels[zapcore.InfoLevel]

	sampled := zapcore.NewSamplerWithOptions(
		&levelBandCore{Core: core, max: zapcore.WarnLevel, bounded: boundAbove},
		cfg.Tick.Duration(),
		rate.Initial,
		rate.Thereafter,
	)

	unsampled := &levelBandCore{Core: core, min: zapcore.ErrorLevel, bounded: boundBelow}

	return zapcore.NewTee(unsampled, sampled)
}

type bandBound int

const (
	boundBelow bandBound = iota // entries below min are dropped
	boundAbove                  // entries above max are dropped
)

// levelBandCore admits only entries inside its level band.
type levelBandCore struct {
	zapcore.Core
	min     zapcore.Level
	max     zapcore.Level
	bounded bandBound
}

func (c *levelBandCore) Enabled(lvl zapcore.Level) bool {
	switch c.bounded {
	case boundBelow:
		if lvl < c.min {
			return false
		}
	case boundAbove:
		if lvl > c.max {
			return false
		}
	}
	return c.Core.Enabled(lvl)
}

func (c *levelBandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

// With must keep the band intact on child cores.
func (c *levelBandCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelBandCore{
		Core:    c.Core.With(fields),
		min:     c.min,
		max:     c.max,
		bounded: c.bounded,
	}
}
