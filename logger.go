package wisckv

import "go.uber.org/zap"

// Logger is the leveled logging surface the engine writes to. It mirrors
// the Debugf/Infof/Warningf/Errorf shape badger's own Options expose, but
// is backed by zap's SugaredLogger instead of hand-rolled formatting.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewLogger wraps a zap.Logger as a Logger. Passing nil returns the default
// logger: zap's production config (info level) with stack traces disabled.
func NewLogger(l *zap.Logger) Logger {
	if l == nil {
		return defaultLogger()
	}
	return &zapLogger{s: l.Sugar()}
}

func defaultLogger() Logger {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		return discardLogger{}
	}
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Debugf(format string, args ...interface{})   { z.s.Debugf(format, args...) }
func (z *zapLogger) Infof(format string, args ...interface{})    { z.s.Infof(format, args...) }
func (z *zapLogger) Warningf(format string, args ...interface{}) { z.s.Warnf(format, args...) }
func (z *zapLogger) Errorf(format string, args ...interface{})   { z.s.Errorf(format, args...) }

// discardLogger drops every message. defaultLogger falls back to it if zap
// itself fails to build; it can also be set as Options.Logger directly.
type discardLogger struct{}

func (discardLogger) Debugf(string, ...interface{})   {}
func (discardLogger) Infof(string, ...interface{})    {}
func (discardLogger) Warningf(string, ...interface{}) {}
func (discardLogger) Errorf(string, ...interface{})   {}
