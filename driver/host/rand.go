package host

import (
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/gomultigpu/driver"
)

// defaultSeed seeds generators until SetSeed is called: fresh generators on the
// same device produce the same sequence, which keeps runs reproducible by default.
const defaultSeed uint64 = 0

// RandGenerator implements driver.RandGenerator on math/rand/v2. Every algorithm
// family is modeled by the same PCG source; the family choice only changes behavior
// on hardware drivers.
type RandGenerator struct {
	dev  driver.DeviceID
	algo driver.RandAlgorithm

	mu        sync.Mutex
	rng       *rand.Rand
	stream    *Stream
	destroyed bool
}

func newRandGenerator(dev driver.DeviceID, algo driver.RandAlgorithm) (*RandGenerator, error) {
	switch algo {
	case driver.RandDefault, driver.RandPhilox, driver.RandXORWOW:
	default:
		return nil, errors.Errorf("unknown random generator algorithm %s", algo)
	}
	return &RandGenerator{
		dev:  dev,
		algo: algo,
		rng:  rand.New(rand.NewPCG(defaultSeed, uint64(algo))),
	}, nil
}

// Algorithm returns the generator family the handle was created with.
func (g *RandGenerator) Algorithm() driver.RandAlgorithm { return g.algo }

// SetSeed implements driver.RandGenerator: it restarts the sequence from the given
// seed.
func (g *RandGenerator) SetSeed(seed uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return errors.Errorf("random generator on device %d already destroyed", g.dev)
	}
	g.rng = rand.New(rand.NewPCG(seed, uint64(g.algo)))
	return nil
}

// SetStream implements driver.RandGenerator. The stream must have been created by
// the host driver; a nil stream makes generation synchronous.
func (g *RandGenerator) SetStream(s driver.Stream) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return errors.Errorf("random generator on device %d already destroyed", g.dev)
	}
	if s == nil {
		g.stream = nil
		return nil
	}
	hs, ok := s.(*Stream)
	if !ok {
		return errors.Errorf("stream of type %T was not created by the %q driver", s, Name)
	}
	g.stream = hs
	return nil
}

// Destroy implements driver.RandGenerator. It is idempotent.
func (g *RandGenerator) Destroy() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.destroyed = true
	g.rng = nil
	g.stream = nil
	return nil
}

// submit runs op synchronously, or enqueues it when a stream is set.
func (g *RandGenerator) submit(op func() error) error {
	g.mu.Lock()
	stream, destroyed := g.stream, g.destroyed
	g.mu.Unlock()
	if destroyed {
		return errors.Errorf("random generator on device %d already destroyed", g.dev)
	}
	if stream != nil {
		return stream.enqueue(op)
	}
	return op()
}

// Uniform fills dst with values uniformly distributed in [0, 1).
//
// When a stream is set the fill runs asynchronously and dst must not be touched
// until the stream is synchronized.
func (g *RandGenerator) Uniform(dst []float32) error {
	return g.submit(func() error {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.rng == nil {
			return errors.Errorf("random generator on device %d already destroyed", g.dev)
		}
		for i := range dst {
			dst[i] = g.rng.Float32()
		}
		return nil
	})
}

// Normal fills dst with values normally distributed with the given mean and
// standard deviation.
//
// When a stream is set the fill runs asynchronously and dst must not be touched
// until the stream is synchronized.
func (g *RandGenerator) Normal(dst []float32, mean, stddev float32) error {
	return g.submit(func() error {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.rng == nil {
			return errors.Errorf("random generator on device %d already destroyed", g.dev)
		}
		for i := range dst {
			dst[i] = float32(g.rng.NormFloat64())*stddev + mean
		}
		return nil
	})
}
