package telemetry

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventSink struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (s *eventSink) beforeSend(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *eventSink) all() []*sentry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sentry.Event(nil), s.events...)
}

func newSentryReporter(t *testing.T, sink *eventSink) *SentryReporter {
	t.Helper()
	reporter, err := NewSentryReporter(Options{
		DSN:         "https://public@sentry.invalid/1",
		Environment: "test",
		BeforeSend:  sink.beforeSend,
	})
	require.NoError(t, err)
	r, ok := reporter.(*SentryReporter)
	require.True(t, ok)
	return r
}

func TestEmptyDSNReturnsNop(t *testing.T) {
	reporter, err := NewSentryReporter(Options{})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, reporter)
	assert.Nil(t, NewHook(reporter))
	Flush(reporter, time.Millisecond)
}

func TestSentryReporterCapturesTags(t *testing.T) {
	sink := &eventSink{}
	r := newSentryReporter(t, sink)

	r.Report(context.Background(), errors.New("precache /index.html: 503"), map[string]string{"site": "deep-blue"})
	r.Report(context.Background(), nil, nil)
	r.Flush(time.Second)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "deep-blue", events[0].Tags["site"])
	assert.Equal(t, sentry.LevelError, events[0].Level)
}

func TestHookSkipsReportedEntries(t *testing.T) {
	sink := &eventSink{}
	r := newSentryReporter(t, sink)
	hook := NewHook(r)
	require.NotNil(t, hook)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(hook)

	logger.WithFields(LogFields(map[string]string{"site": "deep-blue"})).Error("already reported")
	logger.WithField("site", "coral-bay").WithError(errors.New("redis down")).Error("partition list failed")
	logger.Warn("warnings stay local")
	r.Flush(time.Second)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "coral-bay", events[0].Tags["site"])
}

func TestLogFieldsMarksReported(t *testing.T) {
	fields := LogFields(map[string]string{"site": "deep-blue"})
	assert.Equal(t, true, fields[ReportedField])
	assert.Equal(t, "deep-blue", fields["site"])
}
