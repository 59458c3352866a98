package audit

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZapSink writes events as JSON lines to a size-rotated file. Rotated files
// older than the retention period are removed.
type ZapSink struct {
	out *lumberjack.Logger
	log *zap.Logger
}

func NewZapSink(path string, retentionDays int) *ZapSink {
	out := &lumberjack.Logger{
		Filename: path,
		MaxSize:  100, // MB
		MaxAge:   retentionDays,
		Compress: true,
	}
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:    "ts",
		MessageKey: "msg",
		EncodeTime: zapcore.ISO8601TimeEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(out), zapcore.InfoLevel)
	return &ZapSink{out: out, log: zap.New(core)}
}

func (s *ZapSink) Record(_ context.Context, e Event) {
	s.log.Info(string(e.Kind),
		zap.Time("time", e.Time),
		zap.String("path", e.Path),
		zap.String("wallet_id", e.WalletID),
		zap.String("amount", e.Amount),
		zap.Bool("allowed", e.Allowed),
		zap.Bool("dry_run", e.DryRun),
		zap.String("reason", e.Reason),
		zap.String("client_ip", e.ClientIP),
	)
}

func (s *ZapSink) Close() error {
	_ = s.log.Sync()
	return s.out.Close()
}
