package bridge

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the bridge logger. A LogFile routes output through lumberjack.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, WithStack(err)
	}
	sink := zapcore.AddSync(os.Stderr)
	if cfg.LogFile != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  100,
			MaxAge:   28,
		})
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, level)
	return zap.New(core).Named("bridge"), nil
}

// TimingSink receives the wall-clock duration of one subscriber invocation.
type TimingSink interface {
	ObserveTiming(queue string, subscriber string, d time.Duration)
}

type zapTimingSink struct {
	log *zap.Logger
}

func (s zapTimingSink) ObserveTiming(queue string, subscriber string, d time.Duration) {
	s.log.Debug("event subscriber timing",
		zap.String("queue", queue),
		zap.String("subscriber", subscriber),
		zap.Duration("duration", d))
}

// newTimingSink writes timings to cfg.TimingLog when set, else to the bridge log at debug level.
func newTimingSink(cfg Config, log *zap.Logger) (TimingSink, func() error) {
	if cfg.TimingLog == "" {
		return zapTimingSink{log: log.Named("timing")}, func() error { return nil }
	}
	rotator := &lumberjack.Logger{
		Filename: cfg.TimingLog,
		MaxSize:  cfg.TimingLogMaxMB,
		MaxAge:   cfg.TimingLogMaxAge,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(rotator),
		zapcore.DebugLevel,
	)
	return zapTimingSink{log: zap.New(core)}, rotator.Close
}
