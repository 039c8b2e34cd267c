// Package erasure wraps github.com/klauspost/reedsolomon to turn a repo's
// (N, E) protection scheme into the N+E shard split/join/reconstruct
// operations the datastream engine's object-sealing step needs.
package erasure

import (
	"sync"

	"github.com/klauspost/reedsolomon"

	"github.com/marfs-core/marfs/pkg/errors"
)

// Scheme is a constructed erasure coder for one repo's protection
// parameters. N=1,E=0 repos behave as a pass-through: Split/Join act on a
// single shard, so an unprotected repo stores exactly one DAL object
// per chunk.
type Scheme struct {
	N, E int
	enc  reedsolomon.Encoder
}

// constructMu guards reedsolomon.New: the encoder context must be
// constructed under a process-wide mutex; once constructed it is safe to
// call concurrently.
var constructMu sync.Mutex

// New builds a Scheme for the given data/parity shard counts.
func New(n, e int) (*Scheme, error) {
	if n <= 0 {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "erasure: N must be positive").
			WithComponent("erasure").WithDetail("n", n).WithDetail("e", e)
	}
	if n == 1 && e == 0 {
		return &Scheme{N: 1, E: 0}, nil
	}

	constructMu.Lock()
	enc, err := reedsolomon.New(n, e)
	constructMu.Unlock()
	if err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "erasure: construct encoder").
			WithComponent("erasure").WithCause(err).WithDetail("n", n).WithDetail("e", e)
	}
	return &Scheme{N: n, E: e, enc: enc}, nil
}

// Passthrough reports whether this scheme is the degenerate N=1,E=0 case.
func (s *Scheme) Passthrough() bool { return s.N == 1 && s.E == 0 }

// ShardCount is the total number of shards (N+E) a sealed object splits
// into.
func (s *Scheme) ShardCount() int { return s.N + s.E }

// Split partitions a sealed object's bytes into N+E shards ready to be
// handed to the DAL as N+E independent puts, one DAL object location per
// shard.
func (s *Scheme) Split(data []byte) ([][]byte, error) {
	if s.Passthrough() {
		return [][]byte{data}, nil
	}
	shards, err := s.enc.Split(data)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "erasure: split").
			WithComponent("erasure").WithCause(err)
	}
	if err := s.enc.Encode(shards); err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "erasure: encode parity").
			WithComponent("erasure").WithCause(err)
	}
	return shards, nil
}

// Reconstruct fills in missing shards (nil entries) in place; the caller
// marks a missing shard by leaving its entry in shards nil.
func (s *Scheme) Reconstruct(shards [][]byte) error {
	if s.Passthrough() {
		if shards[0] == nil {
			return errors.New(errors.ErrCodeChunkInfoMismatch, "erasure: no shard to reconstruct from in passthrough scheme").
				WithComponent("erasure")
		}
		return nil
	}
	if err := s.enc.Reconstruct(shards); err != nil {
		return errors.New(errors.ErrCodeChunkInfoMismatch, "erasure: reconstruct").
			WithComponent("erasure").WithCause(err)
	}
	return nil
}

// Verify reports whether the parity shards are consistent with the data
// shards. A passthrough scheme has no parity and always reports true.
func (s *Scheme) Verify(shards [][]byte) (bool, error) {
	if s.Passthrough() {
		return true, nil
	}
	ok, err := s.enc.Verify(shards)
	if err != nil {
		return false, errors.New(errors.ErrCodeInternal, "erasure: verify").
			WithComponent("erasure").WithCause(err)
	}
	return ok, nil
}

// Join reassembles the original data-shard bytes (size bytes total) from a
// full set of shards, for the read path's reconstruction case.
func (s *Scheme) Join(shards [][]byte, size int) ([]byte, error) {
	if s.Passthrough() {
		if len(shards) == 0 || shards[0] == nil {
			return nil, errors.New(errors.ErrCodeChunkInfoMismatch, "erasure: no shard to join in passthrough scheme").
				WithComponent("erasure")
		}
		if size > len(shards[0]) {
			size = len(shards[0])
		}
		return shards[0][:size], nil
	}
	buf := &byteSink{}
	if err := s.enc.Join(buf, shards, size); err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "erasure: join").
			WithComponent("erasure").WithCause(err)
	}
	return buf.data, nil
}

// byteSink is a minimal io.Writer sink; reedsolomon.Join only needs Write.
type byteSink struct{ data []byte }

func (b *byteSink) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// MissingCount returns how many of shards are nil. Rebuild uses it to
// skip a chunk with no missing shard; Reconstruct can fill in at most E
// missing shards.
func MissingCount(shards [][]byte) int {
	n := 0
	for _, s := range shards {
		if s == nil {
			n++
		}
	}
	return n
}
