package telemetry

import (
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// Hook 把 Error 及以上级别的日志转发到 Sentry，跳过已由 Reporter 上报的条目。
type Hook struct {
	hub *sentry.Hub
}

// NewHook 基于 Reporter 创建 logrus Hook；Reporter 不是 Sentry 时返回 nil 接口，
// 避免 typed-nil 混进 logger 的 hook 列表。
func NewHook(reporter Reporter) logrus.Hook {
	r, ok := reporter.(*SentryReporter)
	if !ok || r == nil {
		return nil
	}
	return &Hook{hub: r.hub}
}

// Levels 实现 logrus.Hook。
func (h *Hook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

// Fire 实现 logrus.Hook。
func (h *Hook) Fire(entry *logrus.Entry) error {
	if h == nil || h.hub == nil {
		return nil
	}
	if reported, _ := entry.Data[ReportedField].(bool); reported {
		return nil
	}

	err, _ := entry.Data[logrus.ErrorKey].(error)
	if err == nil {
		err = errors.New(entry.Message)
	} else if entry.Message != "" {
		err = fmt.Errorf("%s: %w", entry.Message, err)
	}

	h.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(entry.Level))
		for k, v := range entry.Data {
			if k == logrus.ErrorKey {
				continue
			}
			if s, ok := v.(string); ok {
				scope.SetTag(k, s)
			}
		}
		h.hub.CaptureException(err)
	})
	return nil
}

func sentryLevel(level logrus.Level) sentry.Level {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return sentry.LevelFatal
	default:
		return sentry.LevelError
	}
}
