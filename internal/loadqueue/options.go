package loadqueue

import (
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Defaults for New.
const (
	DefaultCommandRate = 50 // commands per second
	DefaultBurst       = 10
	DefaultMaxAttempts = 3
)

// Option configures a Peon.
type Option func(*options)

type options struct {
	rate        rate.Limit
	burst       int
	maxAttempts int
	logger      zerolog.Logger
}

func defaultOptions() options {
	return options{
		rate:        rate.Limit(DefaultCommandRate),
		burst:       DefaultBurst,
		maxAttempts: DefaultMaxAttempts,
		logger:      zerolog.Nop(),
	}
}

// WithCommandRate limits deliveries to perSecond commands per second with
// the given burst. A non-positive perSecond removes the limit.
func WithCommandRate(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond <= 0 {
			o.rate = rate.Inf
		} else {
			o.rate = rate.Limit(perSecond)
		}
		if burst < 1 {
			burst = 1
		}
		o.burst = burst
	}
}

// WithMaxAttempts sets how many failed deliveries a command survives before
// it is given up on. Values below 1 mean 1.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.maxAttempts = n
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
