package permcache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const memoryShards = 16

// MemoryBackend keeps entries in process. Users are spread over independently
// locked LRU shards so unrelated tenants do not contend on one lock.
type MemoryBackend struct {
	shards [memoryShards]*expirable.LRU[string, Entry]
	gens   sync.Map // int64 -> *atomic.Int64
}

// NewMemoryBackend returns a backend holding up to maxEntries sets, each
// evicted at the latest after ttl.
func NewMemoryBackend(maxEntries int, ttl time.Duration) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	perShard := maxEntries / memoryShards
	if perShard < 1 {
		perShard = 1
	}
	b := &MemoryBackend{}
	for i := range b.shards {
		b.shards[i] = expirable.NewLRU[string, Entry](perShard, nil, ttl)
	}
	return b
}

// Generation implements Backend.
func (b *MemoryBackend) Generation(_ context.Context, userID int64) (int64, error) {
	return b.counter(userID).Load(), nil
}

// Load implements Backend.
func (b *MemoryBackend) Load(_ context.Context, key Key, gen int64) (Entry, bool, error) {
	entry, ok := b.shard(key.UserID).Get(memoryKey(key, gen))
	return entry, ok, nil
}

// Store implements Backend. Entries of a superseded generation are dropped.
func (b *MemoryBackend) Store(_ context.Context, entry Entry, _ time.Duration) error {
	if entry.Generation != b.counter(entry.UserID).Load() {
		return nil
	}
	b.shard(entry.UserID).Add(memoryKey(entry.Key(), entry.Generation), entry)
	return nil
}

// Bump implements Backend. Entries of older generations become unreachable at
// once and are purged eagerly to free memory.
func (b *MemoryBackend) Bump(_ context.Context, userID int64) (int64, error) {
	gen := b.counter(userID).Add(1)
	shard := b.shard(userID)
	prefix := strconv.FormatInt(userID, 10) + "|"
	for _, k := range shard.Keys() {
		if strings.HasPrefix(k, prefix) {
			shard.Remove(k)
		}
	}
	return gen, nil
}

// Len reports the number of stored entries.
func (b *MemoryBackend) Len() int {
	n := 0
	for _, s := range b.shards {
		n += s.Len()
	}
	return n
}

func (b *MemoryBackend) counter(userID int64) *atomic.Int64 {
	if v, ok := b.gens.Load(userID); ok {
		return v.(*atomic.Int64)
	}
	v, _ := b.gens.LoadOrStore(userID, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (b *MemoryBackend) shard(userID int64) *expirable.LRU[string, Entry] {
	idx := userID % memoryShards
	if idx < 0 {
		idx = -idx
	}
	return b.shards[idx]
}

func memoryKey(key Key, gen int64) string {
	return key.String() + "|" + strconv.FormatInt(gen, 10)
}

// PassthroughBackend stores nothing but still tracks generations, so a cache
// without storage keeps separating flights across invalidations.
type PassthroughBackend struct {
	gens sync.Map
}

// NewPassthroughBackend returns a storage-less backend.
func NewPassthroughBackend() *PassthroughBackend {
	return &PassthroughBackend{}
}

// Generation implements Backend.
func (b *PassthroughBackend) Generation(_ context.Context, userID int64) (int64, error) {
	if v, ok := b.gens.Load(userID); ok {
		return v.(*atomic.Int64).Load(), nil
	}
	return 0, nil
}

// Load implements Backend.
func (b *PassthroughBackend) Load(context.Context, Key, int64) (Entry, bool, error) {
	return Entry{}, false, nil
}

// Store implements Backend.
func (b *PassthroughBackend) Store(context.Context, Entry, time.Duration) error {
	return nil
}

// Bump implements Backend.
func (b *PassthroughBackend) Bump(_ context.Context, userID int64) (int64, error) {
	v, _ := b.gens.LoadOrStore(userID, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1), nil
}
