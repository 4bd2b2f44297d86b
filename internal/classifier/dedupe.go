package classifier

// Deduper remembers the most recent keys in a fixed-size ring.
type Deduper struct {
	keys []string
	next int
	seen map[string]struct{}
}

// NewDeduper creates a deduper remembering up to capacity keys.
func NewDeduper(capacity int) *Deduper {
	if capacity < 1 {
		capacity = 1
	}
	return &Deduper{
		keys: make([]string, capacity),
		seen: make(map[string]struct{}, capacity),
	}
}

// Seen reports whether key was already observed, recording it if not.
func (d *Deduper) Seen(key string) bool {
	if _, ok := d.seen[key]; ok {
		return true
	}
	if old := d.keys[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.keys[d.next] = key
	d.seen[key] = struct{}{}
	d.next = (d.next + 1) % len(d.keys)
	return false
}

// Len returns the number of remembered keys.
func (d *Deduper) Len() int { return len(d.seen) }
