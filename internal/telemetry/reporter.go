// Package telemetry 提供错误上报通道：日志始终记录，配置 SentryDSN 时同时上报 Sentry。
package telemetry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// ReportedField 标记已经通过 Reporter 上报过的日志，Hook 不再重复发送。
const ReportedField = "error_reported"

// Reporter 接收需要人工关注的错误，例如安装失败。
type Reporter interface {
	Report(ctx context.Context, err error, tags map[string]string)
}

// Options 描述 Sentry 客户端参数。
type Options struct {
	DSN         string
	Environment string
	Release     string
	// BeforeSend 仅供测试拦截事件。
	BeforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event
}

// Nop 丢弃所有上报。
type Nop struct{}

// Report 不做任何事。
func (Nop) Report(context.Context, error, map[string]string) {}

// SentryReporter 把错误作为异常事件发送到 Sentry。
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter 初始化独立的 Sentry Hub。DSN 为空时返回 Nop。
func NewSentryReporter(opts Options) (Reporter, error) {
	if opts.DSN == "" {
		return Nop{}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
		BeforeSend:  opts.BeforeSend,
	})
	if err != nil {
		return nil, err
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Report 附带标签上报异常。
func (r *SentryReporter) Report(_ context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

// Flush 等待缓冲中的事件发送完成。
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// Hub 返回底层 Hub，供 Hook 复用。
func (r *SentryReporter) Hub() *sentry.Hub {
	return r.hub
}

// Flush 在进程退出前调用，对 Nop 无副作用。
func Flush(reporter Reporter, timeout time.Duration) {
	if r, ok := reporter.(*SentryReporter); ok {
		r.Flush(timeout)
	}
}

// LogFields 把标签转换成 logrus 字段并标记为已上报。
func LogFields(tags map[string]string) logrus.Fields {
	fields := logrus.Fields{ReportedField: true}
	for k, v := range tags {
		fields[k] = v
	}
	return fields
}
