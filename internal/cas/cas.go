// Package cas implements content-addressable storage for fixed-size disk
// blocks on top of a store.Store: BLAKE3-256 hashing, put-if-absent
// semantics, an in-process LRU read cache, and transparent compression.
package cas

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/blockvault/internal/blockhash"
	"github.com/roach88/blockvault/internal/codec"
	"github.com/roach88/blockvault/internal/store"
)

// DefaultCacheEntries bounds the read cache by entry count, not bytes;
// at the default 1 MiB block size this caps cache memory near 512 MiB.
const DefaultCacheEntries = 512

// CAS is a content-addressable block store backed by a store.Store.
type CAS struct {
	st    *store.Store
	cache *lru.Cache[[32]byte, []byte]
	codec codec.Codec
}

// Option configures a CAS.
type Option func(*CAS)

// WithCacheSize overrides the LRU read-cache entry count.
func WithCacheSize(n int) Option {
	return func(c *CAS) {
		cache, err := lru.New[[32]byte, []byte](n)
		if err != nil {
			// Only returned by lru.New for a non-positive size; n is
			// caller-controlled and checked at call sites, so this
			// indicates a programming error, not a runtime condition.
			panic(fmt.Sprintf("cas: invalid cache size %d: %v", n, err))
		}
		c.cache = cache
	}
}

// WithCodec overrides the compression codec used for new writes. Existing
// stored blocks keep whatever codec they were written with.
func WithCodec(c codec.Codec) Option {
	return func(cs *CAS) {
		cs.codec = c
	}
}

// New returns a CAS backed by st.
func New(st *store.Store, opts ...Option) *CAS {
	cache, _ := lru.New[[32]byte, []byte](DefaultCacheEntries)
	c := &CAS{st: st, cache: cache, codec: codec.Default}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hash returns the BLAKE3-256 hash of content.
func Hash(content []byte) [32]byte {
	return blockhash.Hash(content)
}

// Put hashes content, compresses it, and stores it if not already present.
// Returns the hash regardless of whether the block was newly written.
func (c *CAS) Put(ctx context.Context, wtx *store.WriteTx, content []byte) ([32]byte, error) {
	h := Hash(content)

	present, err := wtx.HasCAS(ctx, h)
	if err != nil {
		return h, err
	}
	if present {
		c.cache.Add(h, content)
		return h, nil
	}

	encoded, err := codec.Encode(c.codec, content)
	if err != nil {
		return h, fmt.Errorf("cas: encode block %x: %w", h, err)
	}
	if err := wtx.PutCAS(ctx, h, byte(c.codec), encoded); err != nil {
		return h, err
	}
	c.cache.Add(h, content)
	return h, nil
}

// PutWithHash stores content under a hash the caller already computed (and
// is expected to have verified), skipping the redundant re-hash Put would
// do. Used by the puller, which receives both the hash and the content
// from the transmitter wire protocol.
func (c *CAS) PutWithHash(ctx context.Context, wtx *store.WriteTx, hash [32]byte, content []byte) error {
	present, err := wtx.HasCAS(ctx, hash)
	if err != nil {
		return err
	}
	if present {
		c.cache.Add(hash, content)
		return nil
	}

	encoded, err := codec.Encode(c.codec, content)
	if err != nil {
		return fmt.Errorf("cas: encode block %x: %w", hash, err)
	}
	if err := wtx.PutCAS(ctx, hash, byte(c.codec), encoded); err != nil {
		return err
	}
	c.cache.Add(hash, content)
	return nil
}

// HasTx reports whether a block with the given hash is visible within an
// in-progress write transaction (including its own uncommitted inserts).
func (c *CAS) HasTx(ctx context.Context, wtx *store.WriteTx, hash [32]byte) (bool, error) {
	if _, ok := c.cache.Get(hash); ok {
		return true, nil
	}
	return wtx.HasCAS(ctx, hash)
}

// Has reports whether a block with the given hash is present.
func (c *CAS) Has(ctx context.Context, hash [32]byte) (bool, error) {
	if _, ok := c.cache.Get(hash); ok {
		return true, nil
	}
	return c.st.HasCAS(ctx, hash)
}

// Get returns the plaintext content for hash, reading through the LRU
// cache into the store on a miss.
func (c *CAS) Get(ctx context.Context, hash [32]byte) ([]byte, error) {
	if content, ok := c.cache.Get(hash); ok {
		return content, nil
	}

	codecByte, encoded, err := c.st.GetCAS(ctx, hash)
	if err != nil {
		return nil, err
	}
	content, err := codec.Decode(codec.Codec(codecByte), encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode block %x: %v", store.ErrDatabaseCorrupt, hash, err)
	}

	c.cache.Add(hash, content)
	return content, nil
}

var zeroBlockCache sync.Map // uint32 -> [32]byte

// ZeroBlockHash returns the BLAKE3 hash of an all-zero block of the given
// size, memoized per size. Used to represent block positions that have
// never been written.
func ZeroBlockHash(blockSize uint32) [32]byte {
	if h, ok := zeroBlockCache.Load(blockSize); ok {
		return h.([32]byte)
	}
	h := Hash(make([]byte, blockSize))
	zeroBlockCache.Store(blockSize, h)
	return h
}
