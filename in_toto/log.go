package in_toto

import (
	"go.uber.org/zap"
)

/*
Logger is the small logging surface the core package depends on. Keeping it
as an interface, rather than importing zap's concrete type into every
function signature, lets callers embedding this package as a library supply
their own backend.
*/
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *zapLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *zapLogger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *zapLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }

// NewLogger returns a zap-backed Logger. In verbose mode it logs at debug
// level; otherwise at info level and above.
func NewLogger(verbose bool) Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = ""
	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than panicking: logging must
		// never be the reason verification cannot run.
		return NopLogger{}
	}
	return &zapLogger{s: logger.Sugar()}
}

// NopLogger discards everything. Useful for tests and library embedding
// that wants silence.
type NopLogger struct{}

func (NopLogger) Debugf(format string, args ...interface{}) {}
func (NopLogger) Infof(format string, args ...interface{})  {}
func (NopLogger) Warnf(format string, args ...interface{})  {}
func (NopLogger) Errorf(format string, args ...interface{}) {}
