package strategy

// Source 表示一次查找的数据来源。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Metadata 描述一个 fetch 策略。
type Metadata struct {
	Key         string
	Description string
	// Revision 标记该策略来自哪一代 worker 行为，便于诊断时区分。
	Revision string
	// Order 是查找顺序，至少包含一个来源。
	Order []Source
}

// CacheFirst 返回策略是否先查缓存。
func (m Metadata) CacheFirst() bool {
	return len(m.Order) > 0 && m.Order[0] == SourceCache
}

const (
	KeyCacheFirst   = "cache-first"
	KeyNetworkFirst = "network-first"
)

// DefaultKey 返回默认策略键。
func DefaultKey() string {
	return KeyCacheFirst
}

func init() {
	MustRegister(Metadata{
		Key:         KeyCacheFirst,
		Description: "serve cached entries verbatim, fall back to network, then shell or 503",
		Revision:    "latest",
		Order:       []Source{SourceCache, SourceNetwork},
	})
	MustRegister(Metadata{
		Key:         KeyNetworkFirst,
		Description: "try network first, use cached entries only when the network fails",
		Revision:    "network-first-with-catch",
		Order:       []Source{SourceNetwork, SourceCache},
	})
}
