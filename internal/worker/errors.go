package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrManifestUnavailable 表示安装阶段至少一个清单条目抓取失败，新版本不会生效。
	ErrManifestUnavailable = errors.New("manifest unavailable")
	// ErrNetworkUnreachable 表示拦截请求时网络不可达，会被转换为壳文档或 503。
	ErrNetworkUnreachable = errors.New("network unreachable")
	// ErrCacheStoreFault 表示缓存读写失败；查找失败按未命中处理，删除失败忽略。
	ErrCacheStoreFault = errors.New("cache store fault")
	// ErrInvalidPhase 表示当前阶段不允许执行该生命周期操作。
	ErrInvalidPhase = errors.New("invalid lifecycle phase")
)

// LifecycleError 携带错误类别、相关 URL 与底层原因，errors.Is 对类别和原因都成立。
type LifecycleError struct {
	Kind error
	URL  string
	Err  error
}

func (e *LifecycleError) Error() string {
	switch {
	case e.URL != "" && e.Err != nil:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.URL, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	case e.URL != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.URL)
	default:
		return e.Kind.Error()
	}
}

func (e *LifecycleError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
