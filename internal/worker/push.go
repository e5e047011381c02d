package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// 推送通知的默认展示参数，与仪表盘前端保持一致。
const (
	DefaultNotificationTitle = "Аналітична Панель"
	DefaultNotificationBody  = "Нове оновлення даних"
	DefaultNotificationIcon  = "/icon.png"
	DefaultNotificationBadge = "/badge.png"
)

// NotificationData 是随通知携带的数据。
type NotificationData struct {
	DateOfArrival int64 `json:"dateOfArrival"`
	PrimaryKey    int   `json:"primaryKey"`
}

// Notification 描述一次推送要展示的内容。
type Notification struct {
	Title   string           `json:"title"`
	Body    string           `json:"body"`
	Icon    string           `json:"icon"`
	Badge   string           `json:"badge"`
	Vibrate []int            `json:"vibrate"`
	Data    NotificationData `json:"data"`
}

// Notifier 负责把通知交付给用户界面。
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier 只把通知写入日志，是未配置推送通道时的默认实现。
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Notify(ctx context.Context, notification Notification) error {
	if n.Logger == nil {
		return nil
	}
	n.Logger.WithFields(logrus.Fields{
		"action": "push",
		"title":  notification.Title,
		"body":   notification.Body,
	}).Info("push_notification")
	return nil
}

// BuildNotification 由推送正文构造通知；正文为空时使用默认文案。
func BuildNotification(payload []byte, now time.Time) Notification {
	body := string(payload)
	if body == "" {
		body = DefaultNotificationBody
	}
	return Notification{
		Title:   DefaultNotificationTitle,
		Body:    body,
		Icon:    DefaultNotificationIcon,
		Badge:   DefaultNotificationBadge,
		Vibrate: []int{200, 100, 200},
		Data: NotificationData{
			DateOfArrival: now.UnixMilli(),
			PrimaryKey:    1,
		},
	}
}
