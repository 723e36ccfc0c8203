// Package logging provides the structured logger and per-file progress
// presentation the Deployer drives every phase through. Grounded on the
// zap + lumberjack stack used for operator-facing logging in the
// openshift-cluster-etcd-operator pack member.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps a *zap.SugaredLogger with the phase-heading /
// per-file-progress / summary vocabulary spec §7 requires.
type Logger struct {
	*zap.SugaredLogger
	noProgress bool
}

// Options configures the logger. LogFile is optional; when set, output
// is additionally written through a rotating lumberjack writer so a
// long-running CI invocation does not grow one file without bound.
type Options struct {
	Verbose    bool
	NoProgress bool
	LogFile    string
}

// New builds a Logger writing to stderr and, when configured, to a
// rotating log file.
func New(opts Options) (*Logger, error) {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.TimeKey = ""
	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stderr), level),
	}

	if opts.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		jsonEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	zl := zap.New(core)

	return &Logger{SugaredLogger: zl.Sugar(), noProgress: opts.NoProgress}, nil
}

// Phase emits the heading for a new deployment phase.
func (l *Logger) Phase(name string) {
	l.Infof("=== %s ===", name)
}

// Progress emits a per-file transfer percentage. A no-op when the CLI
// was started with --no-progress.
func (l *Logger) Progress(relPath string, percent int) {
	if l.noProgress {
		return
	}
	fmt.Fprintf(os.Stderr, "\r%s: %3d%%", relPath, percent)
	if percent >= 100 {
		fmt.Fprintln(os.Stderr)
	}
}

// Summary prints the final {uploaded, deleted, purged, skipped} counts
// spec §7 requires.
func (l *Logger) Summary(uploaded, deleted, purged, skipped int) {
	l.Infow("deployment summary", "uploaded", uploaded, "deleted", deleted, "purged", purged, "skipped", skipped)
}

// RemediationHint logs an error together with the job/file identity and
// a concise remediation hint, per spec §7 "User-visible behavior".
func (l *Logger) RemediationHint(identity string, err error, hint string) {
	l.Errorw("deployment step failed", "identity", identity, "error", err, "hint", hint)
}
