package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// EventFields 描述 worker 生命周期事件，generation 为当前缓存代际。
func EventFields(event, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     "worker_event",
		"event":      event,
		"generation": generation,
	}
}

// RequestFields 提供方法/URL/缓存来源字段，供拦截器与代理日志复用。
func RequestFields(method, url, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":       method,
		"url":          url,
		"cache_source": source,
		"cache_hit":    cacheHit,
	}
}

// ActionFields 描述同步队列中的单个动作。
func ActionFields(tag, actionID string, attempts int) logrus.Fields {
	return logrus.Fields{
		"action":    "sync",
		"tag":       tag,
		"action_id": actionID,
		"attempts":  attempts,
	}
}
