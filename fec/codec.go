package fec

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// MaxShards bounds k+r. The slice header's total_slices field is 16-bit;
// the protocol caps it at 1024 so the k×k decode inversion stays cheap.
const MaxShards = 1024

// Codec encodes and reconstructs one (k, r) geometry. Building a Codec
// precomputes the generator matrix; sessions cache codecs per geometry
// so the per-frame work is only the shard arithmetic.
type Codec struct {
	k int
	r int

	// gen is the (k+r)×k systematic generator matrix: identity on top,
	// parity rows below. Built as V·inv(V_top) from a Vandermonde V so
	// every k-row submatrix is invertible.
	gen matrix
}

// NewCodec creates a codec for k data shards and r parity shards.
//
// k=1 with r=0 is legal and degenerates to a pass-through: Encode
// produces no parity and Reconstruct requires the single data shard.
func NewCodec(k, r int) (*Codec, error) {
	if k < 1 || r < 0 || k+r > MaxShards {
		return nil, fmt.Errorf("k=%d r=%d: %w", k, r, ErrInvalidShardCounts)
	}

	c := &Codec{k: k, r: r}
	if r == 0 {
		c.gen = identityMatrix(k)
		return c, nil
	}

	vm := vandermonde(k+r, k)
	top := vm.subMatrix(seqIndices(k))
	topInv, err := top.invert()
	if err != nil {
		// Vandermonde rows are distinct, so the top block always inverts.
		return nil, err
	}
	c.gen = vm.mul(topInv)

	logrus.WithFields(logrus.Fields{
		"function": "NewCodec",
		"k":        k,
		"r":        r,
	}).Debug("Built systematic Reed-Solomon generator")
	return c, nil
}

// DataShards returns k.
func (c *Codec) DataShards() int { return c.k }

// ParityShards returns r.
func (c *Codec) ParityShards() int { return c.r }

// Encode fills parity with the r parity shards derived from the k data
// shards. All shards must share one length. The caller owns both slices;
// parity buffers are written in place so per-frame scratch can be
// reused without allocating on the hot path.
func (c *Codec) Encode(data, parity [][]byte) error {
	if len(data) != c.k || len(parity) != c.r {
		return fmt.Errorf("got %d data and %d parity shards for k=%d r=%d: %w",
			len(data), len(parity), c.k, c.r, ErrShardCountMismatch)
	}
	if c.r == 0 {
		return nil
	}
	size, err := shardSize(data)
	if err != nil {
		return err
	}

	for p := 0; p < c.r; p++ {
		out := parity[p]
		if len(out) != size {
			return fmt.Errorf("parity shard %d is %d bytes, want %d: %w", p, len(out), size, ErrShardSizeMismatch)
		}
		clear(out)
		row := c.gen[c.k+p]
		for d := 0; d < c.k; d++ {
			mulSliceAdd(row[d], data[d], out)
		}
	}
	return nil
}

// Reconstruct recovers the missing data shards of a codeword in place.
//
// shards must have length k+r; nil entries mark missing shards. Present
// shards must all share one length. On success every data entry
// shards[0:k] is non-nil and holds the original bytes; missing parity is
// left nil (the transport never needs it back). Fails with
// ErrInsufficientShards when fewer than k shards are present.
func (c *Codec) Reconstruct(shards [][]byte) error {
	if len(shards) != c.k+c.r {
		return fmt.Errorf("got %d shards for k=%d r=%d: %w", len(shards), c.k, c.r, ErrShardCountMismatch)
	}

	present := make([]int, 0, c.k)
	var missingData []int
	for i, s := range shards {
		if s != nil {
			if len(present) < c.k {
				present = append(present, i)
			}
		} else if i < c.k {
			missingData = append(missingData, i)
		}
	}
	if len(missingData) == 0 {
		return nil
	}
	if len(present) < c.k {
		return fmt.Errorf("%d of %d shards present: %w", len(present), c.k, ErrInsufficientShards)
	}

	size, err := shardSize(shards)
	if err != nil {
		return err
	}

	sub := c.gen.subMatrix(present)
	dec, err := sub.invert()
	if err != nil {
		return err
	}

	// Row j of dec reconstructs data shard j from the present shards.
	for _, d := range missingData {
		out := make([]byte, size)
		for i, src := range present {
			mulSliceAdd(dec[d][i], shards[src], out)
		}
		shards[d] = out
	}
	return nil
}

func seqIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func shardSize(shards [][]byte) (int, error) {
	size := -1
	for i, s := range shards {
		if s == nil {
			continue
		}
		if size < 0 {
			size = len(s)
		}
		if len(s) != size || len(s) == 0 {
			return 0, fmt.Errorf("shard %d is %d bytes: %w", i, len(s), ErrShardSizeMismatch)
		}
	}
	if size < 0 {
		return 0, ErrInsufficientShards
	}
	return size, nil
}
