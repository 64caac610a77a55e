package push

import (
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingDispatcher struct {
	mu       sync.Mutex
	accept   bool
	sites    []string
	payloads []string
}

func (d *recordingDispatcher) DispatchPush(site string, payload []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sites = append(d.sites, site)
	d.payloads = append(d.payloads, string(payload))
	return d.accept
}

func newTestSubscriber(t *testing.T, d Dispatcher) *Subscriber {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s, err := NewSubscriber(Options{Broker: "tcp://127.0.0.1:1883", Logger: logger}, d)
	require.NoError(t, err)
	return s
}

func TestHandleDispatchesBySite(t *testing.T) {
	d := &recordingDispatcher{accept: true}
	s := newTestSubscriber(t, d)

	s.handle(nil, fakeMessage{topic: "dcms/push/deep-blue", payload: []byte("Booking confirmed for tomorrow")})
	s.handle(nil, fakeMessage{topic: "dcms/push/coral-bay", payload: nil})
	s.handle(nil, fakeMessage{topic: "dcms/other/deep-blue", payload: []byte("ignored")})

	assert.Equal(t, []string{"deep-blue", "coral-bay"}, d.sites)
	assert.Equal(t, []string{"Booking confirmed for tomorrow", ""}, d.payloads)
}

func TestHandleToleratesRejectedEvents(t *testing.T) {
	d := &recordingDispatcher{accept: false}
	s := newTestSubscriber(t, d)
	s.handle(nil, fakeMessage{topic: "dcms/push/deep-blue", payload: []byte("late")})
	assert.Len(t, d.sites, 1)
}

func TestSiteFromTopic(t *testing.T) {
	cases := []struct {
		pattern, topic, site string
		ok                   bool
	}{
		{"dcms/push/+", "dcms/push/deep-blue", "deep-blue", true},
		{"tenants/+/push", "tenants/coral-bay/push", "coral-bay", true},
		{"dcms/push/+", "dcms/push/", "", false},
		{"dcms/push/+", "dcms/push/a/b", "", false},
		{"dcms/push/+", "dcms/pull/deep-blue", "", false},
	}
	for _, tc := range cases {
		site, ok := SiteFromTopic(tc.pattern, tc.topic)
		assert.Equal(t, tc.ok, ok, tc.topic)
		assert.Equal(t, tc.site, site, tc.topic)
	}
}

func TestNewSubscriberValidation(t *testing.T) {
	d := &recordingDispatcher{}
	_, err := NewSubscriber(Options{}, d)
	assert.Error(t, err)
	_, err = NewSubscriber(Options{Broker: "tcp://127.0.0.1:1883"}, nil)
	assert.Error(t, err)
	_, err = NewSubscriber(Options{Broker: "tcp://127.0.0.1:1883", Topic: "dcms/push/#"}, d)
	assert.Error(t, err)
	_, err = NewSubscriber(Options{Broker: "tcp://127.0.0.1:1883", Topic: "dcms/+/+"}, d)
	assert.Error(t, err)

	s, err := NewSubscriber(Options{Broker: "tcp://127.0.0.1:1883"}, d)
	require.NoError(t, err)
	assert.Equal(t, DefaultTopic, s.opts.Topic)
	assert.Equal(t, "dcms-edge", s.opts.ClientID)
}
