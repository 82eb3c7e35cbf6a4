package order

import (
	"strconv"
	"strings"
	"sync"
)

const defaultBookCapacity = 20000

// Book 提交时登记 clientOrderId/orderId/algoId -> tag，供推送回报还原标签；
// 超过容量后按登记顺序淘汰最早的记录。
type Book struct {
	mu       sync.RWMutex
	tags     map[string]string
	algoIDs  map[string]int64
	order    []string
	capacity int
}

func NewBook(capacity int) *Book {
	if capacity <= 0 {
		capacity = defaultBookCapacity
	}
	return &Book{
		tags:     make(map[string]string),
		algoIDs:  make(map[string]int64),
		capacity: capacity,
	}
}

func orderIDKey(id int64) string { return "o:" + strconv.FormatInt(id, 10) }
func algoIDKey(id int64) string  { return "a:" + strconv.FormatInt(id, 10) }
func clientKey(id string) string { return "c:" + id }

// Set 登记下单结果。
func (b *Book) Set(rec OrderRecord) {
	if rec.Tag == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec.ClientOrderID != "" {
		b.putLocked(clientKey(rec.ClientOrderID), rec.Tag)
		if rec.AlgoID != 0 {
			b.algoIDs[rec.ClientOrderID] = rec.AlgoID
		}
	}
	if rec.OrderID != 0 {
		b.putLocked(orderIDKey(rec.OrderID), rec.Tag)
	}
	if rec.AlgoID != 0 {
		b.putLocked(algoIDKey(rec.AlgoID), rec.Tag)
	}
}

func (b *Book) putLocked(key, tag string) {
	if _, ok := b.tags[key]; !ok {
		b.order = append(b.order, key)
	}
	b.tags[key] = tag
	for len(b.order) > b.capacity {
		old := b.order[0]
		b.order = b.order[1:]
		delete(b.tags, old)
		if strings.HasPrefix(old, "c:") {
			delete(b.algoIDs, old[2:])
		}
	}
}

// Tag 还原标签：先查登记表，再按第一个 "_" 切分 clientOrderId。
func (b *Book) Tag(clientOrderID string, orderID int64) string {
	b.mu.RLock()
	tag, ok := b.tags[clientKey(clientOrderID)]
	if !ok && orderID != 0 {
		tag, ok = b.tags[orderIDKey(orderID)]
	}
	b.mu.RUnlock()
	if ok {
		return tag
	}
	return TagFromClientID(clientOrderID)
}

// AlgoTag 按 algoId 查标签。
func (b *Book) AlgoTag(algoID int64) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tag, ok := b.tags[algoIDKey(algoID)]
	return tag, ok
}

// AlgoID 返回 clientOrderId 对应的 algo 条件单 id。
func (b *Book) AlgoID(clientOrderID string) (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.algoIDs[clientOrderID]
	return id, ok
}

// Len 当前登记数。
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tags)
}

// TagFromClientID 取第一个 "_" 之前的部分；没有分隔符时为空。
func TagFromClientID(clientOrderID string) string {
	i := strings.IndexByte(clientOrderID, '_')
	if i <= 0 {
		return ""
	}
	return clientOrderID[:i]
}
