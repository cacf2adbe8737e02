package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// entryName 将任意 URL key 映射为定长、文件系统安全的名称。
func entryName(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

func encodeRecord(resp *Response) ([]byte, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode cache record: %w", err)
	}
	return raw, nil
}

func decodeRecord(raw []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode cache record: %w", err)
	}
	return &resp, nil
}

// prepareRecord 补全写入前的字段，key 以 locator 为准。
func prepareRecord(locator Locator, resp *Response) *Response {
	record := resp.Clone()
	record.Key = locator.Key
	if record.StoredAt.IsZero() {
		record.StoredAt = time.Now().UTC()
	}
	return record
}

func sortedKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
