package msf

import "github.com/go-kit/log"

// Option configures a FileBuilder.
type Option func(*options)

type options struct {
	logger log.Logger
}

func defaultOptions() options {
	return options{logger: log.NewNopLogger()}
}

// WithLogger sets the logger used to report layout and commit activity.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
