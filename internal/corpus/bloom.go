package corpus

import "hash/fnv"

// bloom is a fixed-size bitset filter used as a quick negative test: when a
// letter or bigram was never seen while building the corpus, patterns that
// require it cannot match and the scan is skipped entirely. False positives
// only cost a scan, never correctness.
type bloom struct {
	bits []uint64
	mask uint64
}

func newBloom(bitsPowerOfTwo uint) *bloom {
	size := uint64(1) << bitsPowerOfTwo
	return &bloom{
		bits: make([]uint64, size/64),
		mask: size - 1,
	}
}

func (b *bloom) hashes(s string) [3]uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	x := h.Sum64()
	h1 := mix1(x) & b.mask
	h2 := mix2(x) & b.mask
	h3 := (h1*1315423911 + h2*2654435761) & b.mask
	return [3]uint64{h1, h2, h3}
}

func mix1(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	return x
}

func mix2(x uint64) uint64 {
	x ^= x >> 29
	x *= 0xc4ceb9fe1a85ec53
	return x
}

func (b *bloom) add(s string) {
	for _, h := range b.hashes(s) {
		b.bits[h/64] |= 1 << (h % 64)
	}
}

// maybeContains returns false only when s was definitely never added.
func (b *bloom) maybeContains(s string) bool {
	for _, h := range b.hashes(s) {
		if b.bits[h/64]&(1<<(h%64)) == 0 {
			return false
		}
	}
	return true
}
