// Package persist 持久化按 id 索引的记录集合；每次保存整体替换，加载时一次性读入。
package persist

import "context"

// Store 记录集合的持久化后端。
type Store[T any] interface {
	Load(ctx context.Context) (map[string]T, error)
	Save(ctx context.Context, records map[string]T) error
}
