// Package telemetry bridges kernel events to the host's observability
// stack: a zap-backed sink for filament/core/log records and conversion
// between ABI trace contexts and OpenTelemetry span contexts.
package telemetry

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/value"
)

// Sink receives validated log records from the capability router.
type Sink struct {
	logger *zap.Logger
}

// NewSink wraps a zap logger as the host telemetry sink.
func NewSink(logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{logger: logger.Named("module")}
}

// Emit validates a filament/core/log payload against the log record ABI
// and forwards it. The record is a value map with a "level" string, a
// "msg" string and an optional "fields" map of scalars.
func (s *Sink) Emit(pid uint64, payload []byte) error {
	root, err := value.Decode(payload)
	if err != nil {
		return err
	}
	if root.Tag != value.TagMap {
		return fmt.Errorf("telemetry: %w: log record must be a map, got %s", abi.ErrType, root.Tag)
	}
	levelVal, ok := root.Get("level")
	if !ok || levelVal.Tag != value.TagString {
		return fmt.Errorf("telemetry: %w: log record needs a string level", abi.ErrType)
	}
	msgVal, ok := root.Get("msg")
	if !ok || msgVal.Tag != value.TagString {
		return fmt.Errorf("telemetry: %w: log record needs a string msg", abi.ErrType)
	}

	fields := []zap.Field{zap.Uint64("pid", pid)}
	if fv, ok := root.Get("fields"); ok {
		if fv.Tag != value.TagMap {
			return fmt.Errorf("telemetry: %w: fields must be a map", abi.ErrType)
		}
		for _, p := range fv.Map {
			fields = append(fields, zapField(p))
		}
	}

	switch levelVal.Str {
	case "debug":
		s.logger.Debug(msgVal.Str, fields...)
	case "info":
		s.logger.Info(msgVal.Str, fields...)
	case "warn":
		s.logger.Warn(msgVal.Str, fields...)
	case "error":
		s.logger.Error(msgVal.Str, fields...)
	default:
		return fmt.Errorf("telemetry: %w: unknown level %q", abi.ErrInvalid, levelVal.Str)
	}
	return nil
}

func zapField(p value.Pair) zap.Field {
	switch p.Val.Tag {
	case value.TagBool:
		return zap.Bool(p.Key, p.Val.Bool)
	case value.TagI64:
		return zap.Int64(p.Key, p.Val.I64)
	case value.TagU64:
		return zap.Uint64(p.Key, p.Val.U64)
	case value.TagF64:
		return zap.Float64(p.Key, p.Val.F64)
	case value.TagString:
		return zap.String(p.Key, p.Val.Str)
	default:
		return zap.String(p.Key, p.Val.Tag.String())
	}
}
