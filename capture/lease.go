package capture

import (
	"fmt"
	"sync"
)

// Lease grants exclusive use of the capture content. Live preview and
// recording each hold it while their stream is open, so the platform never
// sees two concurrent streams for the same content.
type Lease struct {
	mu    sync.Mutex
	owner string
}

// Acquire takes the lease for owner. It fails with ErrBusy while another
// owner holds it. The returned release func is idempotent.
func (l *Lease) Acquire(owner string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != "" {
		return nil, fmt.Errorf("%w: held by %s", ErrBusy, l.owner)
	}
	l.owner = owner

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.owner == owner {
				l.owner = ""
			}
			l.mu.Unlock()
		})
	}, nil
}

// Owner returns the current holder, or "".
func (l *Lease) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}
