package worker

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// IsNavigation 判断请求是否为页面导航：Sec-Fetch-Mode 为 navigate，或 Accept 声明接受 HTML 文档。
func IsNavigation(req *http.Request) bool {
	if req == nil {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(req.Header.Get("Sec-Fetch-Mode")), "navigate") {
		return true
	}
	for _, accept := range req.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(accept), "text/html") {
			return true
		}
	}
	return false
}

// resolveURL 将相对地址解析到 origin 下，并去掉片段部分。
func resolveURL(origin *url.URL, raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return absoluteURL(origin, ref), nil
}

// absoluteURL 与代理入口使用同一套拼接规则：以 "/" 开头的路径挂在 origin 的路径前缀之下。
func absoluteURL(origin *url.URL, ref *url.URL) *url.URL {
	var target url.URL
	switch {
	case ref.IsAbs():
		target = *ref
	case ref.Host == "" && strings.HasPrefix(ref.Path, "/"):
		target = *JoinOrigin(origin, ref.Path, ref.RawQuery)
	default:
		target = *origin.ResolveReference(ref)
	}
	target.Fragment = ""
	target.RawFragment = ""
	return &target
}

// JoinOrigin 把已解码的请求路径与查询串拼接到 origin 下，保留 origin 自带的路径前缀。
// "/a/../b" 之类的路径先做清理，结尾的 "/" 保留。
func JoinOrigin(origin *url.URL, reqPath, rawQuery string) *url.URL {
	clean := path.Clean("/" + reqPath)
	if strings.HasSuffix(reqPath, "/") && clean != "/" {
		clean += "/"
	}
	target := *origin
	target.Path = strings.TrimSuffix(origin.Path, "/") + clean
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	target.RawFragment = ""
	return &target
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
