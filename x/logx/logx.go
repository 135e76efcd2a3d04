// Package logx holds the logging surface shared by all services. Packages
// depend on the Logger interface only; cmd/fanctl decides on the backend.
package logx

import (
	"bytes"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is satisfied by *zap.SugaredLogger.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// NullLogger discards everything.
type NullLogger struct{}

func (NullLogger) Debugf(string, ...any) {}
func (NullLogger) Infof(string, ...any)  {}
func (NullLogger) Warnf(string, ...any)  {}
func (NullLogger) Errorf(string, ...any) {}

// Or returns l, or a NullLogger when l is nil.
func Or(l Logger) Logger {
	if l == nil {
		return NullLogger{}
	}
	return l
}

// ParseLevel accepts zap level names; unknown names yield info.
func ParseLevel(s string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// New builds a console-encoded logger on stdout, teed into any extra cores
// (the in-memory log, typically).
func New(level zapcore.Level, extra ...zapcore.Core) *zap.SugaredLogger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	enc.EncodeCaller = nil
	stdout := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stdout), level)

	cores := append([]zapcore.Core{stdout}, extra...)
	return zap.New(zapcore.NewTee(cores...)).Sugar()
}

type writer struct{ l Logger }

func (w writer) Write(p []byte) (int, error) {
	w.l.Infof("%s", bytes.TrimRight(p, "\r\n"))
	return len(p), nil
}

// Writer adapts l to an io.Writer, one Infof per Write. Used for the HTTP
// access log.
func Writer(l Logger) io.Writer { return writer{Or(l)} }
