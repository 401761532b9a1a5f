// Package logging builds the process zap logger and names per-component children.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component names a subsystem; every log line carries it as "component".
type Component string

const (
	ComponentEngine      Component = "engine"
	ComponentLock        Component = "lock"
	ComponentDecision    Component = "decision"
	ComponentDispatch    Component = "dispatch"
	ComponentValidation  Component = "validation"
	ComponentCheckpoint  Component = "checkpoint"
	ComponentCorrelation Component = "correlation"
	ComponentMonitor     Component = "monitor"
	ComponentWorkflow    Component = "workflow"
	ComponentServer      Component = "server"
	ComponentMail        Component = "mail"
	ComponentLLM         Component = "llm"
)

type Options struct {
	Debug bool
	// Console switches to the human-readable development encoder.
	Console bool
}

// New builds a production JSON logger, or a console logger for local runs.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Console {
		cfg = zap.NewDevelopmentConfig()
	}
	if opts.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// For returns a child logger tagged with the component name. A nil parent
// yields a no-op logger so components can be built without wiring logging.
func For(parent *zap.Logger, c Component) *zap.Logger {
	if parent == nil {
		return zap.NewNop()
	}
	return parent.With(zap.String("component", string(c)))
}
