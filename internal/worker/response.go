package worker

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/shell-cache/shell-cache/internal/cache"
)

// Outcome 是一次拦截的结果：响应本体与来源。
type Outcome struct {
	Response *http.Response
	Source   Source
	// Err 记录导致降级的原因（如网络不可达），成功路径为 nil。
	Err error
}

func cachedResponse(entry *cache.Response, req *http.Request) *http.Response {
	return &http.Response{
		Status:        statusLine(entry.Status),
		StatusCode:    entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        entry.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

func synthesizedResponse(status int, req *http.Request) *http.Response {
	body := []byte(http.StatusText(status))
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &http.Response{
		Status:        statusLine(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func statusLine(code int) string {
	text := http.StatusText(code)
	if text == "" {
		return fmt.Sprintf("%d", code)
	}
	return fmt.Sprintf("%d %s", code, text)
}

// acceptableStatus 对应 Cache.addAll 的要求：2xx 且不是 206 部分内容。
func acceptableStatus(code int) bool {
	return code >= 200 && code < 300 && code != http.StatusPartialContent
}
