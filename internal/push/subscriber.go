// Package push 从 MQTT broker 接收推送消息并转交给站点运行时。
// 主题形如 dcms/push/<site>，消息体即通知正文。
package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// DefaultTopic 订阅所有站点的推送。
const DefaultTopic = "dcms/push/+"

// Dispatcher 接收一条站点推送；返回 false 表示运行时已拒绝新事件。
type Dispatcher interface {
	DispatchPush(site string, payload []byte) bool
}

// Options 描述 broker 连接参数。
type Options struct {
	Broker         string
	ClientID       string
	Topic          string
	QoS            byte
	Username       string
	Password       string
	ConnectTimeout time.Duration
	Logger         *logrus.Logger
}

// Subscriber 维护 MQTT 连接，重连后自动重新订阅。
type Subscriber struct {
	opts       Options
	dispatcher Dispatcher
	logger     *logrus.Logger
	client     paho.Client
}

// NewSubscriber 校验参数并准备客户端，但不建立连接。
func NewSubscriber(opts Options, dispatcher Dispatcher) (*Subscriber, error) {
	if strings.TrimSpace(opts.Broker) == "" {
		return nil, errors.New("push broker required")
	}
	if dispatcher == nil {
		return nil, errors.New("push dispatcher required")
	}
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if strings.Count(opts.Topic, "+") != 1 || strings.Contains(opts.Topic, "#") {
		return nil, fmt.Errorf("push topic %q must contain exactly one + for the site segment", opts.Topic)
	}
	if opts.ClientID == "" {
		opts.ClientID = "dcms-edge"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	s := &Subscriber{opts: opts, dispatcher: dispatcher, logger: opts.Logger}

	clientOpts := paho.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetConnectTimeout(opts.ConnectTimeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetCleanSession(true)
	clientOpts.SetOrderMatters(false)
	clientOpts.SetOnConnectHandler(s.onConnect)
	clientOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.logger.WithFields(s.fields()).WithError(err).Warn("推送连接中断，等待自动重连")
	})
	s.client = paho.NewClient(clientOpts)
	return s, nil
}

func (s *Subscriber) fields() logrus.Fields {
	return logrus.Fields{"action": "push_subscribe", "broker": s.opts.Broker, "topic": s.opts.Topic}
}

// Start 连接 broker；订阅在连接成功回调中完成。
func (s *Subscriber) Start(ctx context.Context) error {
	if err := wait(ctx, s.client.Connect()); err != nil {
		return fmt.Errorf("connect push broker: %w", err)
	}
	return nil
}

// Stop 断开连接，最多等待 250ms 处理未完成的消息。
func (s *Subscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func (s *Subscriber) onConnect(client paho.Client) {
	token := client.Subscribe(s.opts.Topic, s.opts.QoS, s.handle)
	go func() {
		if !token.WaitTimeout(s.opts.ConnectTimeout) {
			s.logger.WithFields(s.fields()).Warn("订阅推送主题超时")
			return
		}
		if err := token.Error(); err != nil {
			s.logger.WithFields(s.fields()).WithError(err).Error("订阅推送主题失败")
			return
		}
		s.logger.WithFields(s.fields()).Info("已订阅推送主题")
	}()
}

// handle 把消息转换为站点推送事件。
func (s *Subscriber) handle(_ paho.Client, msg paho.Message) {
	site, ok := SiteFromTopic(s.opts.Topic, msg.Topic())
	entry := s.logger.WithFields(s.fields()).WithField("message_topic", msg.Topic())
	if !ok {
		entry.Warn("无法从主题解析站点，丢弃推送")
		return
	}
	if !s.dispatcher.DispatchPush(site, msg.Payload()) {
		entry.WithField("site", site).Warn("运行时拒绝推送事件")
		return
	}
	entry.WithFields(logrus.Fields{"site": site, "bytes": len(msg.Payload())}).Debug("已接收推送")
}

// SiteFromTopic 返回 topic 中与 pattern 的 + 段对应的站点名。
func SiteFromTopic(pattern, topic string) (string, bool) {
	want := strings.Split(pattern, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return "", false
	}
	site := ""
	for i, segment := range want {
		if segment == "+" {
			site = got[i]
			continue
		}
		if segment != got[i] {
			return "", false
		}
	}
	return site, site != ""
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
