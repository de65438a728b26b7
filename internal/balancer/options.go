package balancer

import (
	"time"

	"github.com/rs/zerolog"
)

// Option configures a CostStrategy.
type Option func(*options)

type options struct {
	costFunc CostFunction
	params   CostParams
	logger   zerolog.Logger
	metrics  *Metrics
	timeout  time.Duration
}

func defaultOptions() options {
	return options{
		params: DefaultCostParams(),
		logger: zerolog.Nop(),
	}
}

// WithCostParams builds the default JointCostFunction from params.
func WithCostParams(params CostParams) Option {
	return func(o *options) {
		o.params = params
	}
}

// WithCostFunction replaces the cost function entirely; WithCostParams is
// then ignored.
func WithCostFunction(f CostFunction) Option {
	return func(o *options) {
		o.costFunc = f
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics records decisions and timings into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithComputeTimeout bounds each FindHomeForSegment call and each move
// planning step. Zero means no bound beyond the caller's context.
func WithComputeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}
