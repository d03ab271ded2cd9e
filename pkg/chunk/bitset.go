package chunk

import (
    "fmt"
    "math/bits"
    "sync/atomic"
)

// Bitset is a fixed-size set of chunk indices. Set and Test are safe for
// concurrent use; distinct indices never contend on a lock.
type Bitset struct {
    n     int
    words []atomic.Uint64
}

func NewBitset(n int) *Bitset {
    if n < 0 { n = 0 }
    return &Bitset{n: n, words: make([]atomic.Uint64, (n+63)/64)}
}

// Len is the number of addressable bits.
func (b *Bitset) Len() int { return b.n }

// Set marks bit i and reports whether it was previously clear.
func (b *Bitset) Set(i int) bool {
    if i < 0 || i >= b.n { return false }
    w, mask := &b.words[i/64], uint64(1)<<(uint(i)%64)
    for {
        old := w.Load()
        if old&mask != 0 { return false }
        if w.CompareAndSwap(old, old|mask) { return true }
    }
}

func (b *Bitset) Test(i int) bool {
    if i < 0 || i >= b.n { return false }
    return b.words[i/64].Load()&(uint64(1)<<(uint(i)%64)) != 0
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
    c := 0
    for i := range b.words { c += bits.OnesCount64(b.words[i].Load()) }
    return c
}

// All reports whether every bit is set. An empty set is full.
func (b *Bitset) All() bool { return b.Count() == b.n }

// MarshalJSON encodes the set as its length plus raw words.
func (b *Bitset) MarshalJSON() ([]byte, error) {
    raw := make([]uint64, len(b.words))
    for i := range b.words { raw[i] = b.words[i].Load() }
    return json.Marshal(struct {
        N     int      `json:"n"`
        Words []uint64 `json:"words"`
    }{N: b.n, Words: raw})
}

func (b *Bitset) UnmarshalJSON(data []byte) error {
    var in struct {
        N     int      `json:"n"`
        Words []uint64 `json:"words"`
    }
    if err := json.Unmarshal(data, &in); err != nil { return err }
    if in.N < 0 || len(in.Words) != (in.N+63)/64 {
        return fmt.Errorf("chunk: bitset of %d bits with %d words", in.N, len(in.Words))
    }
    b.n = in.N
    b.words = make([]atomic.Uint64, len(in.Words))
    for i, w := range in.Words { b.words[i].Store(w) }
    return nil
}
