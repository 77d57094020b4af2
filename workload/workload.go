// Package workload generates the resource identifiers and datastream
// payloads a benchmark run sends to the repository. Payloads are built by
// cycling one random slice, generated once per Generator, so a run streams
// arbitrarily large bodies without allocating them.
package workload

import (
	"fmt"
	"io"
	mrand "math/rand"
	"time"

	"github.com/google/uuid"
)

// SliceSize is the length of the random slice payloads are cut from.
const SliceSize = 65535

// Config controls workload generation parameters.
type Config struct {
	// Seed seeds the random slice. Zero picks a time-based seed.
	Seed int64

	// IDPrefix switches resource ids from UUIDs to <prefix>-<start>-<i>.
	IDPrefix string

	// Start is the run marker used in prefixed ids. Zero uses the current
	// Unix time in milliseconds.
	Start int64
}

// Generator produces payloads and resource ids from a Config. It is safe
// for concurrent use once created.
type Generator struct {
	cfg   Config
	slice []byte
}

// NewGenerator creates a Generator from the given Config.
func NewGenerator(cfg Config) *Generator {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	if cfg.IDPrefix != "" && cfg.Start == 0 {
		cfg.Start = time.Now().UnixMilli()
	}

	rng := mrand.New(mrand.NewSource(cfg.Seed))
	slice := make([]byte, SliceSize)
	rng.Read(slice)

	return &Generator{cfg: cfg, slice: slice}
}

// Seed returns the seed the random slice was generated from.
func (g *Generator) Seed() int64 {
	return g.cfg.Seed
}

// ResourceID returns the identifier of the i-th action of a run (0-based).
func (g *Generator) ResourceID(i int) string {
	if g.cfg.IDPrefix == "" {
		return uuid.NewString()
	}

	return fmt.Sprintf("%s-%d-%d", g.cfg.IDPrefix, g.cfg.Start, i+1)
}

// Payload returns a reader yielding exactly size bytes: id first, then the
// random slice repeated. A size shorter than id truncates it.
func (g *Generator) Payload(id string, size int64) *Payload {
	return &Payload{head: []byte(id), slice: g.slice, size: size}
}

// Payload is a sized, single-use datastream body.
type Payload struct {
	head  []byte
	slice []byte
	size  int64
	off   int64
}

// Size returns the total number of bytes the payload yields.
func (p *Payload) Size() int64 {
	return p.size
}

func (p *Payload) Read(b []byte) (int, error) {
	if p.off >= p.size {
		return 0, io.EOF
	}

	if rem := p.size - p.off; int64(len(b)) > rem {
		b = b[:rem]
	}

	n := 0
	for n < len(b) {
		var src []byte

		if p.off < int64(len(p.head)) {
			src = p.head[p.off:]
		} else {
			pos := (p.off - int64(len(p.head))) % int64(len(p.slice))
			src = p.slice[pos:]
		}

		c := copy(b[n:], src)
		n += c
		p.off += int64(c)
	}

	return n, nil
}
