package streams

import "github.com/go-kit/log"

// Option configures a stream builder.
type Option func(*options)

type options struct {
	logger log.Logger
}

func defaultOptions() options {
	return options{logger: log.NewNopLogger()}
}

// WithLogger sets the logger a builder reports completed builds to.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
