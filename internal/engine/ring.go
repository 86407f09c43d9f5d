package engine

// ThoughtRecord is one generated thought kept for display and debugging.
type ThoughtRecord struct {
	N       int    `json:"n"`
	Content string `json:"content"`
}

// ThoughtRing is a fixed-capacity circular buffer of recent thoughts.
// Pushing onto a full ring evicts the oldest record. Not safe for
// concurrent use; the engine guards it with its own lock.
type ThoughtRing struct {
	buf   []ThoughtRecord
	head  int // index of the oldest record
	count int
}

// NewThoughtRing creates a ring holding up to capacity records.
func NewThoughtRing(capacity int) *ThoughtRing {
	return &ThoughtRing{buf: make([]ThoughtRecord, capacity)}
}

// Push appends a record, evicting the oldest when full.
func (r *ThoughtRing) Push(rec ThoughtRecord) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = rec
		r.count++
		return
	}
	r.buf[r.head] = rec
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of records currently held.
func (r *ThoughtRing) Len() int { return r.count }

// Items returns the records oldest-first as a fresh slice.
func (r *ThoughtRing) Items() []ThoughtRecord {
	out := make([]ThoughtRecord, 0, r.count)
	for i := range r.count {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// Reset discards all records.
func (r *ThoughtRing) Reset() {
	r.head = 0
	r.count = 0
}
