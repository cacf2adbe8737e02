package worker

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

const testOrigin = "https://certs.example.test"

var errOffline = errors.New("dial tcp: connect: network is unreachable")

type stubAsset struct {
	status int
	body   string
	header http.Header
}

// stubNetwork 模拟源站；offline 为 true 时所有请求返回网络错误。
type stubNetwork struct {
	mu      sync.Mutex
	offline bool
	assets  map[string]stubAsset
	calls   []string
}

func newStubNetwork() *stubNetwork {
	return &stubNetwork{assets: map[string]stubAsset{
		testOrigin + "/index.html":      {status: http.StatusOK, body: "<html>shell</html>", header: http.Header{"Content-Type": {"text/html"}}},
		testOrigin + "/output.css":      {status: http.StatusOK, body: "body{}", header: http.Header{"Content-Type": {"text/css"}}},
		testOrigin + "/Blue_SAINTS.png": {status: http.StatusOK, body: "png-bytes", header: http.Header{"Content-Type": {"image/png"}}},
	}}
}

func (s *stubNetwork) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.Method+" "+req.URL.String())
	if s.offline {
		return nil, errOffline
	}
	asset, ok := s.assets[req.URL.String()]
	if !ok {
		asset = stubAsset{status: http.StatusNotFound, body: "missing"}
	}
	header := asset.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: asset.status,
		Status:     statusLine(asset.status),
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(asset.body)),
		Request:    req,
	}, nil
}

func (s *stubNetwork) set(path string, asset stubAsset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[testOrigin+path] = asset
}

func (s *stubNetwork) setOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *stubNetwork) resetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *stubNetwork) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testOptions(version string, manifest ...string) Options {
	origin, _ := url.Parse(testOrigin)
	if len(manifest) == 0 {
		manifest = []string{"/index.html", "/output.css", "/Blue_SAINTS.png"}
	}
	return Options{Version: version, Origin: origin, Manifest: manifest}
}

func newRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, testOrigin+path, nil)
}

func navigationRequest(path string) *http.Request {
	req := newRequest(http.MethodGet, path)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读取响应体失败: %v", err)
	}
	return string(raw)
}
