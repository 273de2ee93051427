package strategy

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// weatherPattern is word-boundary-aware so "Rainbow Six Siege" is not caught
// by a bare substring match against "rain".
var weatherPattern = regexp.MustCompile(`(?i)\b(rain|snow|hurricane|storm|weather|tornado|flood|drought)\b`)

// FilterConfig holds the tunables the hard filters read from configuration.
type FilterConfig struct {
	MinTimeToEndHours float64
	MaxTradeAge       float64 // seconds
	MinTradeSize      decimal.Decimal
	BlockedCategories map[string]bool
	ManualBlockTokens map[string]bool // operator-maintained block list
}

func (c FilterConfig) withDefaults() FilterConfig {
	if c.MinTimeToEndHours <= 0 {
		c.MinTimeToEndHours = 6
	}
	if c.MaxTradeAge <= 0 {
		c.MaxTradeAge = 300
	}
	if c.MinTradeSize.IsZero() {
		c.MinTradeSize = decimal.NewFromInt(50)
	}
	return c
}

// HardFilter is one named predicate; it returns a non-nil Ignore signal when
// the context is rejected, nil when the context passes.
type HardFilter struct {
	Name string
	Eval func(ctx Context) *Signal
}

// BuildHardFilters returns the ordered set of hard filters run ahead of
// strategy dispatch.
func BuildHardFilters(cfg FilterConfig) []HardFilter {
	cfg = cfg.withDefaults()

	return []HardFilter{
		{
			Name: "weather",
			Eval: func(ctx Context) *Signal {
				if weatherPattern.MatchString(ctx.Question) {
					s := Ignore("weather", fmt.Sprintf("question matches weather pattern: %q", ctx.Question))
					return &s
				}
				return nil
			},
		},
		{
			Name: "time_to_end",
			Eval: func(ctx Context) *Signal {
				if ctx.TimeToEndHours < cfg.MinTimeToEndHours {
					s := Ignore("time_to_end", fmt.Sprintf("time_to_end_hours=%.2f < min=%.2f", ctx.TimeToEndHours, cfg.MinTimeToEndHours))
					return &s
				}
				return nil
			},
		},
		{
			Name: "category",
			Eval: func(ctx Context) *Signal {
				if cfg.BlockedCategories[ctx.Category] {
					s := Ignore("category", fmt.Sprintf("category %q is blocked", ctx.Category))
					return &s
				}
				return nil
			},
		},
		{
			Name: "trade_age",
			Eval: func(ctx Context) *Signal {
				if ctx.TradeAgeSeconds > cfg.MaxTradeAge {
					s := Ignore("trade_age", fmt.Sprintf("trade_age=%.0fs > max=%.0fs", ctx.TradeAgeSeconds, cfg.MaxTradeAge))
					return &s
				}
				return nil
			},
		},
		{
			Name: "trade_size",
			Eval: func(ctx Context) *Signal {
				if ctx.TradeSize == nil {
					return nil
				}
				if ctx.TradeSize.LessThan(cfg.MinTradeSize) {
					s := Ignore("trade_size", fmt.Sprintf("trade_size=%s < min=%s", ctx.TradeSize.String(), cfg.MinTradeSize.String()))
					return &s
				}
				return nil
			},
		},
		{
			// Operator-maintained block list, keyed by token id, for
			// markets that need to be excluded out-of-band — e.g. a
			// market later found to have corrupted metadata.
			Name: "manual_block",
			Eval: func(ctx Context) *Signal {
				if cfg.ManualBlockTokens[ctx.TokenID] {
					s := Ignore("manual_block", "token is on the manual block list")
					return &s
				}
				return nil
			},
		},
	}
}

// ApplyHardFilters runs every filter in order, returning the first Ignore
// signal produced, or nil if the context passes all of them.
func ApplyHardFilters(filters []HardFilter, ctx Context) *Signal {
	for _, f := range filters {
		if sig := f.Eval(ctx); sig != nil {
			return sig
		}
	}
	return nil
}
