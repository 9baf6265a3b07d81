package bullroom

import (
	"time"

	"github.com/rs/zerolog"
)

// Option configures any component in this package. Components ignore the
// settings they have no use for.
type Option func(*options)

type options struct {
	logger  zerolog.Logger
	now     func() time.Time
	metrics *Metrics
	emitter *emitter
}

func buildOptions(opts []Option) options {
	o := options{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func withEmitter(e *emitter) Option {
	return func(o *options) { o.emitter = e }
}
