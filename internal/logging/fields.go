package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 描述一次 install/activate 所涉及的版本与缓存桶。
func LifecycleFields(action, version, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"version":    version,
		"cache_name": cacheName,
	}
}

// FetchFields 提供拦截请求日志的公共字段。
func FetchFields(cacheName, method, url, source string, navigation bool) logrus.Fields {
	return logrus.Fields{
		"action":     "fetch",
		"cache_name": cacheName,
		"method":     method,
		"url":        url,
		"source":     source,
		"navigation": navigation,
	}
}

// RequestFields 描述代理层收到的一次请求。
func RequestFields(requestID, clientID, method, path string) logrus.Fields {
	return logrus.Fields{
		"action":     "proxy",
		"request_id": requestID,
		"client_id":  clientID,
		"method":     method,
		"path":       path,
	}
}
