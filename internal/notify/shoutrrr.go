package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// sender 抽象 shoutrrr 的 ServiceRouter，便于测试替换。
type sender interface {
	Send(message string, params *types.Params) []error
}

// ShoutrrrDispatcher 通过 shoutrrr 把通知推送到 ntfy、Telegram、Slack 等渠道。
type ShoutrrrDispatcher struct {
	sender sender
}

// NewShoutrrrDispatcher 解析 shoutrrr URL，例如 ntfy://ntfy.sh/deep-blue。
func NewShoutrrrDispatcher(urls ...string) (*ShoutrrrDispatcher, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one notify url is required")
	}
	router, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create shoutrrr sender: %w", err)
	}
	return &ShoutrrrDispatcher{sender: router}, nil
}

// Dispatch 以通知正文为消息，标题与标签作为参数发送。
func (d *ShoutrrrDispatcher) Dispatch(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := types.Params{
		"title": n.Title,
	}
	if n.Tag != "" {
		params["tags"] = n.Tag
	}
	if target := n.Data["url"]; target != "" {
		params["click"] = target
	}
	var errs []error
	for _, err := range d.sender.Send(n.Body, &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
