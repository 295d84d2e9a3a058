// Package logging provides the shared logger used by every caucase package.
package logging

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

var (
	L *zap.Logger        = zap.NewNop()
	S *zap.SugaredLogger = L.Sugar()
)

// Initialize builds the process logger and installs it as L and S. v is
// the verbosity: 0 logs info and above, 1 adds debug, negative values
// silence lower levels.
func Initialize(v int) *zap.Logger {
	var (
		encoder zapcore.Encoder
		writer  zapcore.WriteSyncer
	)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		writer = zapcore.Lock(os.Stderr)
		encoder = zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			MessageKey: "message",

			LevelKey:    "level",
			EncodeLevel: zapcore.CapitalColorLevelEncoder,

			TimeKey:    "time",
			EncodeTime: zapcore.ISO8601TimeEncoder,

			CallerKey:    "caller",
			EncodeCaller: zapcore.ShortCallerEncoder,
		})
	} else {
		writer = zapcore.Lock(os.Stdout)
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	SetLogger(newLogger(zapcore.Level(-v), encoder, writer))
	return L
}

func newLogger(level zapcore.Level, encoder zapcore.Encoder, writer zapcore.WriteSyncer) *zap.Logger {
	core := zapcore.NewCore(encoder, writer, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller())
}

// SetLogger replaces L and S.
func SetLogger(logger *zap.Logger) {
	L = logger
	S = logger.Sugar()
}

func Debugf(format string, args ...any) {
	S.Debugf(format, args...)
}

func Infof(format string, args ...any) {
	S.Infof(format, args...)
}

func Warnf(format string, args ...any) {
	S.Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	S.Errorf(format, args...)
}

// StandardErrorLog adapts L for APIs such as http.Server.ErrorLog.
func StandardErrorLog() *log.Logger {
	errorLog, err := zap.NewStdLogAt(L, zapcore.ErrorLevel)
	if err != nil {
		return nil
	}

	return errorLog
}
