package embeddings

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/Kocoro-lab/advisor/internal/circuitbreaker"
)

// EmbeddingCache stores vectors by MakeKey
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// MakeKey derives the cache key for a text under a model
func MakeKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return "advisor:emb:" + hex.EncodeToString(sum[:16])
}

// LocalLRU bounds the in-process cache by entry count. Entries also expire.
type LocalLRU struct {
	mu      sync.Mutex
	max     int
	order   *list.List // most recently used at the front
	entries map[string]*list.Element
	now     func() time.Time
}

type cached struct {
	key     string
	vec     []float32
	expires time.Time
}

// NewLocalLRU holds at most capacity vectors; non-positive means 1024
func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
		now:     time.Now,
	}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	c := el.Value.(*cached)
	if !l.now().Before(c.expires) {
		l.drop(el)
		return nil, false
	}
	l.order.MoveToFront(el)
	return c.vec, true
}

func (l *LocalLRU) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	expires := l.now().Add(ttl)
	if el, ok := l.entries[key]; ok {
		c := el.Value.(*cached)
		c.vec, c.expires = v, expires
		l.order.MoveToFront(el)
		return
	}
	l.entries[key] = l.order.PushFront(&cached{key: key, vec: v, expires: expires})
	for l.order.Len() > l.max {
		l.drop(l.order.Back())
	}
}

// Len reports the number of entries, expired ones included
func (l *LocalLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

func (l *LocalLRU) drop(el *list.Element) {
	delete(l.entries, el.Value.(*cached).key)
	l.order.Remove(el)
}

// RedisCache shares vectors between replicas through the session redis.
// Any redis error reads as a miss and writes are best effort.
type RedisCache struct {
	rw *circuitbreaker.RedisWrapper
}

// NewRedisCache uses an already connected wrapper
func NewRedisCache(rw *circuitbreaker.RedisWrapper) *RedisCache {
	return &RedisCache{rw: rw}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	raw, err := r.rw.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return decodeVector(raw)
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	_ = r.rw.Set(ctx, key, encodeVector(v), ttl).Err()
}

// encodeVector packs float32 values little-endian, four bytes each
func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func decodeVector(raw []byte) ([]float32, bool) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, false
	}
	v := make([]float32, len(raw)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return v, true
}
