// Package blockhash computes the BLAKE3-256 content hash used to address
// disk blocks. It is kept dependency-free of the store/cas packages so
// the transmitter binary (which runs on the remote host and must stay a
// small static binary with no cgo sqlite driver) can hash blocks without
// pulling in the database stack.
package blockhash

import (
	"hash"
	"sync"

	"lukechampine.com/blake3"
)

var hasherPool = sync.Pool{
	New: func() any {
		return blake3.New(32, nil)
	},
}

// Hash returns the BLAKE3-256 hash of content.
func Hash(content []byte) [32]byte {
	h := hasherPool.Get().(hash.Hash)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()
	h.Write(content)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
