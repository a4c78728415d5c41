package events

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapSink writes events as structured log lines.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("engine")}
}

func (s *ZapSink) Emit(e Event) {
	fields := []zap.Field{
		zap.String("event", string(e.Kind)),
	}
	if e.BotID != "" {
		fields = append(fields, zap.String("bot_id", e.BotID))
	}
	if e.Symbol != "" {
		fields = append(fields, zap.String("symbol", e.Symbol))
	}
	if p := e.Position; p != nil {
		fields = append(fields,
			zap.String("position_id", p.ID),
			zap.String("side", string(p.Side)),
			zap.Float64("entry", p.EntryPrice),
			zap.Float64("size", p.PositionSize),
			zap.Float64("leverage", p.Leverage),
			zap.Bool("should_win", p.ShouldWin),
			zap.Float64("target_pct", p.TargetPnLPct),
			zap.Float64("stop_pct", p.StopLossPnLPct),
		)
	}
	if t := e.Trade; t != nil {
		fields = append(fields,
			zap.String("trade_id", t.ID),
			zap.Float64("pnl", t.RealizedPL),
			zap.Float64("pnl_pct", t.PLPercent),
			zap.String("reason", t.CloseReason),
			zap.Duration("duration", t.Duration),
		)
	}
	if p := e.Progress; p != nil {
		fields = append(fields,
			zap.Float64("current_pnl", p.CurrentPnL),
			zap.Float64("target_pnl", p.TargetPnL),
			zap.Float64("percent_target", p.PercentTarget),
			zap.String("status", string(p.Status)),
		)
	}
	if e.Layer != "" {
		fields = append(fields, zap.String("layer", e.Layer))
	}
	if e.Delay > 0 {
		fields = append(fields, zap.Duration("delay", e.Delay))
	}
	if e.Value != 0 {
		fields = append(fields, zap.Float64("value", e.Value))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}

	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if ce := s.logger.Check(zapLevel(e.Kind.Severity()), msg); ce != nil {
		ce.Write(fields...)
	}
}

func zapLevel(s Severity) zapcore.Level {
	switch s {
	case SeverityDebug:
		return zapcore.DebugLevel
	case SeverityWarn:
		return zapcore.WarnLevel
	case SeverityError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
