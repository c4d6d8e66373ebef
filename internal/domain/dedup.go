package domain

import "sync"

const (
	dedupCap   = 400
	dedupEvict = 200
)

// DedupKey identifies a logically unique chat message. The same message
// observed through the binary decode path and the ASCII log path must
// produce an identical key.
type DedupKey struct {
	From  uint32
	IDHex string
	Body  string
}

func DedupKeyFor(msg ChatMessage) DedupKey {
	return DedupKey{From: msg.From, IDHex: msg.IDHex, Body: msg.Body}
}

// Dedup is an ordered set with a soft cap: once the cap is exceeded the
// oldest half is evicted. Insertion order matters: this is a bounded FIFO
// with set semantics, not an LRU.
type Dedup struct {
	mu    sync.Mutex
	seen  map[DedupKey]struct{}
	order []DedupKey
}

func NewDedup() *Dedup {
	return &Dedup{seen: make(map[DedupKey]struct{})}
}

// Accept reports whether msg is the first observation of its key, and
// records the key when it is. Repeat observations return false.
func (d *Dedup) Accept(msg ChatMessage) bool {
	key := DedupKeyFor(msg)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.seen[key]; dup {
		return false
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)

	if len(d.order) > dedupCap {
		for _, old := range d.order[:dedupEvict] {
			delete(d.seen, old)
		}
		d.order = append(d.order[:0:0], d.order[dedupEvict:]...)
	}

	return true
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.order)
}

// Reset forgets all keys; called when a session restarts.
func (d *Dedup) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[DedupKey]struct{})
	d.order = nil
}
