package calc

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"

	"almlp/internal/model"
)

// Memo deduplicates identical queries to an expensive calculator. Structures
// are keyed by an xxhash fingerprint of species, positions, cell and pbc.
type Memo struct {
	inner  Calculator
	cache  *lru.Cache
	hits   atomic.Int64
	misses atomic.Int64
}

func NewMemo(inner Calculator, size int) (*Memo, error) {
	if inner == nil {
		return nil, fmt.Errorf("memo requires a calculator")
	}
	if size <= 0 {
		size = 128
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Memo{inner: inner, cache: cache}, nil
}

func (m *Memo) Name() string {
	return m.inner.Name()
}

func (m *Memo) Evaluate(ctx context.Context, s model.Structure) (model.Result, error) {
	key := Fingerprint(s)
	if v, ok := m.cache.Get(key); ok {
		m.hits.Add(1)
		return v.(model.Result).Clone(), nil
	}
	m.misses.Add(1)
	res, err := m.inner.Evaluate(ctx, s)
	if err != nil {
		return model.Result{}, err
	}
	m.cache.Add(key, res.Clone())
	return res, nil
}

func (m *Memo) Stats() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}

// Fingerprint hashes the geometry of s. Constraints are ignored: they do not
// change energy or raw forces.
func Fingerprint(s model.Structure) uint64 {
	d := xxhash.New()
	var buf [8]byte
	writeFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = d.Write(buf[:])
	}
	for i, sp := range s.Species {
		_, _ = d.WriteString(sp)
		_, _ = d.Write([]byte{0})
		if i < len(s.Positions) {
			for _, c := range s.Positions[i] {
				writeFloat(c)
			}
		}
	}
	if s.Cell != nil {
		for _, v := range s.Cell {
			for _, c := range v {
				writeFloat(c)
			}
		}
	}
	for _, p := range s.PBC {
		if p {
			_, _ = d.Write([]byte{1})
		} else {
			_, _ = d.Write([]byte{0})
		}
	}
	return d.Sum64()
}
