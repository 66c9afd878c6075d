package otnet

import (
	"time"
)

// Default configuration values.
const (
	// DefaultReadTimeout is the default deadline for every read of a frame part.
	DefaultReadTimeout = 30 * time.Second
	// DefaultWriteTimeout is the default deadline for every frame write.
	DefaultWriteTimeout = 30 * time.Second
	// defaultReadBufferSize is the default size of the socket read buffer.
	defaultReadBufferSize = 4096
)

// options holds the configuration for a connection.
type options struct {
	logger  Logger
	metrics *Metrics

	readTimeout    time.Duration // deadline for each header or body read
	writeTimeout   time.Duration // deadline for each frame write
	readBufferSize int           // size of the buffered reader in front of the socket
}

// Option is a function that configures connection options.
type Option func(*options)

// ReadTimeoutOption returns an Option that sets the read deadline.
// The deadline is re-armed for the header and the body of every frame.
func ReadTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.readTimeout = d
	}
}

// WriteTimeoutOption returns an Option that sets the write deadline.
// The deadline is re-armed for every queued frame.
func WriteTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// ReadBufferSizeOption returns an Option that sets the size of the buffered
// reader in front of the socket.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that sets the metrics sink.
// If not set, the connection keeps private counters.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// checkOptions sets default values for connection options.
func checkOptions(opts *options) {
	if opts.readTimeout <= 0 {
		opts.readTimeout = DefaultReadTimeout
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = DefaultWriteTimeout
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.metrics == nil {
		opts.metrics = &Metrics{}
	}
}
