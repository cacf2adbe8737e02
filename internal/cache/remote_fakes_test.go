package cache

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeValkey 是进程内的 RESP3 服务，只实现 valkeyStore 用到的命令。
type fakeValkey struct {
	listener net.Listener

	mu     sync.Mutex
	sets   map[string]map[string]struct{}
	hashes map[string]map[string]string
}

func startFakeValkey(t *testing.T) *fakeValkey {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &fakeValkey{
		listener: listener,
		sets:     make(map[string]map[string]struct{}),
		hashes:   make(map[string]map[string]string),
	}
	go srv.serve()
	t.Cleanup(func() { listener.Close() })
	return srv
}

func (f *fakeValkey) Addr() string {
	return f.listener.Addr().String()
}

func (f *fakeValkey) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeValkey) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		f.exec(writer, args)
		// 客户端会流水线发送多条命令，缓冲区读空后再统一刷出。
		if reader.Buffered() == 0 {
			if err := writer.Flush(); err != nil {
				return
			}
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("unexpected frame %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := readLine(r)
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimPrefix(header, "$"))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (f *fakeValkey) exec(w *bufio.Writer, args []string) {
	if len(args) == 0 {
		w.WriteString("-ERR empty command\r\n")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch strings.ToUpper(args[0]) {
	case "HELLO":
		w.WriteString("%3\r\n+server\r\n+valkey\r\n+version\r\n+7.2.4\r\n+proto\r\n:3\r\n")
	case "CLIENT":
		w.WriteString("+OK\r\n")
	case "CLUSTER":
		w.WriteString("-ERR This instance has cluster support disabled\r\n")
	case "PING":
		w.WriteString("+PONG\r\n")
	case "SADD":
		set := f.sets[args[1]]
		if set == nil {
			set = make(map[string]struct{})
			f.sets[args[1]] = set
		}
		added := 0
		for _, member := range args[2:] {
			if _, ok := set[member]; !ok {
				set[member] = struct{}{}
				added++
			}
		}
		writeInt(w, added)
	case "SISMEMBER":
		_, ok := f.sets[args[1]][args[2]]
		if ok {
			writeInt(w, 1)
		} else {
			writeInt(w, 0)
		}
	case "SREM":
		removed := 0
		for _, member := range args[2:] {
			if _, ok := f.sets[args[1]][member]; ok {
				delete(f.sets[args[1]], member)
				removed++
			}
		}
		writeInt(w, removed)
	case "SMEMBERS":
		members := make([]string, 0, len(f.sets[args[1]]))
		for member := range f.sets[args[1]] {
			members = append(members, member)
		}
		writeArray(w, members)
	case "HSET":
		hash := f.hashes[args[1]]
		if hash == nil {
			hash = make(map[string]string)
			f.hashes[args[1]] = hash
		}
		added := 0
		for i := 2; i+1 < len(args); i += 2 {
			if _, ok := hash[args[i]]; !ok {
				added++
			}
			hash[args[i]] = args[i+1]
		}
		writeInt(w, added)
	case "HGET":
		value, ok := f.hashes[args[1]][args[2]]
		if !ok {
			w.WriteString("_\r\n")
			return
		}
		writeBulk(w, value)
	case "HKEYS":
		fields := make([]string, 0, len(f.hashes[args[1]]))
		for field := range f.hashes[args[1]] {
			fields = append(fields, field)
		}
		writeArray(w, fields)
	case "DEL":
		removed := 0
		for _, key := range args[1:] {
			if _, ok := f.hashes[key]; ok {
				delete(f.hashes, key)
				removed++
			}
			if _, ok := f.sets[key]; ok {
				delete(f.sets, key)
				removed++
			}
		}
		writeInt(w, removed)
	default:
		fmt.Fprintf(w, "-ERR unknown command '%s'\r\n", args[0])
	}
}

func writeInt(w *bufio.Writer, n int) {
	fmt.Fprintf(w, ":%d\r\n", n)
}

func writeBulk(w *bufio.Writer, value string) {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
}

func writeArray(w *bufio.Writer, values []string) {
	sort.Strings(values)
	fmt.Fprintf(w, "*%d\r\n", len(values))
	for _, value := range values {
		writeBulk(w, value)
	}
}

// fakeS3 是单 bucket 的 S3 替身，覆盖 PUT/GET/HEAD/DELETE 对象与 ListObjectsV2。
type fakeS3 struct {
	bucket string

	mu      sync.Mutex
	objects map[string]fakeObject
}

type fakeObject struct {
	data     []byte
	modified time.Time
}

func startFakeS3(t *testing.T, bucket string) string {
	t.Helper()
	fake := &fakeS3{bucket: bucket, objects: make(map[string]fakeObject)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != f.bucket {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	if key == "" {
		if r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2" {
			f.list(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		data, err := readS3Payload(r)
		if err != nil {
			writeS3Error(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		f.objects[key] = fakeObject{data: data, modified: time.Now().UTC()}
		w.Header().Set("ETag", etag(data))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		obj, ok := f.objects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("ETag", etag(obj.data))
		w.Header().Set("Last-Modified", obj.modified.Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(obj.data)
		}
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

type listResult struct {
	XMLName        xml.Name       `xml:"ListBucketResult"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	KeyCount       int            `xml:"KeyCount"`
	MaxKeys        int            `xml:"MaxKeys"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []listEntry    `xml:"Contents"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes"`
}

type listEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int    `xml:"Size"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

func (f *fakeS3) list(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	prefix, delimiter := query.Get("prefix"), query.Get("delimiter")

	f.mu.Lock()
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	result := listResult{Name: f.bucket, Prefix: prefix, Delimiter: delimiter, MaxKeys: 1000}
	seen := make(map[string]struct{})
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				common := prefix + rest[:idx+len(delimiter)]
				if _, ok := seen[common]; !ok {
					seen[common] = struct{}{}
					result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: common})
				}
				continue
			}
		}
		obj := f.objects[key]
		result.Contents = append(result.Contents, listEntry{
			Key:          key,
			LastModified: obj.modified.Format("2006-01-02T15:04:05.000Z"),
			ETag:         etag(obj.data),
			Size:         len(obj.data),
		})
	}
	f.mu.Unlock()
	result.KeyCount = len(result.Contents) + len(result.CommonPrefixes)

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(result)
}

// readS3Payload 解开 aws-chunked 编码（流式签名上传），普通请求体原样返回。
func readS3Payload(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if r.Header.Get("X-Amz-Decoded-Content-Length") == "" {
		return raw, nil
	}
	reader := bufio.NewReader(bytes.NewReader(raw))
	var out []byte
	for {
		line, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return out, nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(reader, chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if _, err := readLine(reader); err != nil {
			return nil, errors.New("missing chunk terminator")
		}
	}
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s<Error><Code>%s</Code><Message>%s</Message></Error>", xml.Header, code, code)
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
