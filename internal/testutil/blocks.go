package testutil

import "fmt"

// DeterministicBlockContent fills a size-byte block with bytes derived from
// clock.Next(), so a test building several blocks in sequence gets distinct,
// reproducible content without reaching for crypto/rand. The same clock
// sequence always produces the same bytes, matching DeterministicClock's own
// "same sequence every run" guarantee.
func DeterministicBlockContent(clock *DeterministicClock, size int) []byte {
	seed := fmt.Sprintf("blockvault-%d-", clock.Next())
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = seed[i%len(seed)]
	}
	return buf
}
