package frame

import (
	"errors"
	"sync"
)

// ErrPoolExhausted is returned by Pool.Get when every buffer is in use
var ErrPoolExhausted = errors.New("frame pool exhausted")

// ErrPoolClosed is returned by Pool.Get after Close
var ErrPoolClosed = errors.New("frame pool closed")

// Pool is a bounded set of reusable images. At most size images exist at any
// time; Get never blocks and fails instead when all of them are out.
type Pool struct {
	mu     sync.Mutex
	alloc  func() Image
	free   []Image
	size   int
	out    int
	closed bool
}

// NewPool creates a pool that allocates up to size images on demand
func NewPool(size int, alloc func() Image) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{alloc: alloc, size: size}
}

// Get takes a free image, allocating one if the pool is not yet full
func (p *Pool) Get() (Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if n := len(p.free); n > 0 {
		img := p.free[n-1]
		p.free = p.free[:n-1]
		p.out++
		return img, nil
	}
	if p.out+len(p.free) >= p.size {
		return nil, ErrPoolExhausted
	}
	p.out++
	return p.alloc(), nil
}

// Put hands an image back. Images returned after Close are closed instead.
func (p *Pool) Put(img Image) {
	if img == nil {
		return
	}
	p.mu.Lock()
	p.out--
	if p.closed {
		p.mu.Unlock()
		img.Close()
		return
	}
	p.free = append(p.free, img)
	p.mu.Unlock()
}

// Release returns a release hook that puts the frame's image back into the
// pool, for use with New.
func (p *Pool) Release() func(*Frame) {
	return func(f *Frame) {
		p.Put(f.Image)
	}
}

// InUse returns how many images are currently handed out
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out
}

// Close closes the free images. Images still in use are closed when they come
// back.
func (p *Pool) Close() error {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, img := range free {
		if err := img.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
