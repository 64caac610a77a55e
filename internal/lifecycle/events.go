package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deep-blue/dcms-edge/internal/notify"
	"github.com/deep-blue/dcms-edge/internal/syncqueue"
)

// Sync 处理后台同步事件。只响应站点配置的同步标签（默认 sync-bookings），其它标签直接忽略。
func (m *Manager) Sync(ctx context.Context, tag string) (syncqueue.Result, error) {
	if tag != m.cfg.SyncTag {
		m.deps.Logger.WithFields(m.fields("sync")).WithField("tag", tag).Debug("忽略未知同步标签")
		return syncqueue.Result{}, nil
	}
	if m.deps.Queue == nil {
		return syncqueue.Result{}, nil
	}

	result, err := m.deps.Queue.Drain(ctx)
	entry := m.deps.Logger.WithFields(m.fields("sync")).WithFields(logrus.Fields{
		"tag":           tag,
		"submitted":     result.Submitted,
		"deferred":      result.Deferred,
		"retrying":      result.Retrying,
		"dead_lettered": result.DeadLettered,
	})
	if err != nil {
		entry.WithError(err).Warn("后台同步中断")
		return result, err
	}
	entry.Info("后台同步完成")
	return result, nil
}

// Push 处理推送事件：正文取推送内容，缺省时使用默认文案，其余展示参数固定。
func (m *Manager) Push(ctx context.Context, payload []byte) (notify.Notification, error) {
	body := string(payload)
	if body == "" {
		body = DefaultNotificationBody
	}
	n := notify.Notification{
		Site:               m.cfg.Site,
		Title:              m.cfg.NotificationTitle,
		Body:               body,
		Icon:               NotificationIcon,
		Badge:              NotificationBadge,
		Vibrate:            append([]int(nil), NotificationVibrate...),
		Tag:                NotificationTag,
		RequireInteraction: false,
		Data:               map[string]string{"url": m.absolute(m.cfg.NotificationRoute).String()},
	}
	if m.deps.Notifier == nil {
		return n, errors.New("notifier not configured")
	}

	shown, err := m.deps.Notifier.Show(ctx, n)
	entry := m.deps.Logger.WithFields(m.fields("push")).WithField("notification", shown.ID)
	if err != nil {
		entry.WithError(err).Warn("通知展示存在失败渠道")
	} else {
		entry.Info("通知已展示")
	}
	return shown, err
}

// NotificationClick 关闭通知并打开站点的固定页面，返回打开的绝对地址。
// 通知不存在或已关闭时照常打开页面。
func (m *Manager) NotificationClick(ctx context.Context, id string) (string, error) {
	if m.deps.Notifier != nil {
		_, ok, err := m.deps.Notifier.Close(ctx, id)
		if err != nil {
			m.deps.Logger.WithFields(m.fields("notification_click")).
				WithField("notification", id).
				WithError(err).
				Warn("关闭通知失败")
		} else if !ok {
			m.deps.Logger.WithFields(m.fields("notification_click")).
				WithField("notification", id).
				Debug("通知不存在或已关闭")
		}
	}

	target := m.absolute(m.cfg.NotificationRoute).String()
	if m.deps.Clients != nil {
		if err := m.deps.Clients.OpenWindow(ctx, target); err != nil {
			return "", fmt.Errorf("open window: %w", err)
		}
	}
	m.deps.Logger.WithFields(m.fields("notification_click")).
		WithField("notification", id).
		WithField("target", target).
		Info("通知已点击")
	return target, nil
}
