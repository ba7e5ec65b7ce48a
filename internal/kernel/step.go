package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vodcast-worker/internal/observability/metrics"
)

// Step runs fn and records StepSuccess or StepFailure plus the wall-time
// duration under the given step name.
func Step(ctx context.Context, rec *metrics.Recorder, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	rec.StepDuration(name, time.Since(start))
	if err != nil {
		rec.StepFailure(name, ErrorName(err))
		return err
	}
	rec.StepSuccess(name)
	return nil
}

// ErrorName derives a short metric-safe class name from an error. Wrapped
// sentinel errors keep their outermost message token; context errors map to
// Canceled/DeadlineExceeded.
func ErrorName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "Canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "DeadlineExceeded"
	}
	var named interface{ ErrorName() string }
	if errors.As(err, &named) {
		return named.ErrorName()
	}
	msg := err.Error()
	if idx := strings.IndexByte(msg, ':'); idx > 0 {
		msg = msg[:idx]
	}
	msg = strings.TrimSpace(msg)
	fields := strings.Fields(msg)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	name := strings.Join(fields, "_")
	if name == "" {
		name = fmt.Sprintf("%T", err)
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
