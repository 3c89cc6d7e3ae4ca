package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/metrics"
)

const (
	// DefaultBudget keeps every frame under the duplex channel's frame limit.
	DefaultBudget = 15750

	// frameOverhead bounds the JSON envelope of a Frame around its payload.
	frameOverhead = 160

	DefaultFragmentTTL = 2 * time.Minute
)

// Frame is one fragment of a chunked message. Message is base64 encoded on
// the wire so escaping can never push a frame over the budget.
type Frame struct {
	UUID    string `json:"uuid"`
	Chunk   int    `json:"chunk"`
	Total   int    `json:"total"`
	Message []byte `json:"message"`
}

// ChunkSize is the number of payload bytes a frame can carry under budget.
func ChunkSize(budget int) (int, error) {
	size := (budget - frameOverhead) / 4 * 3
	if size <= 0 {
		return 0, fmt.Errorf("transport: budget %d too small: %w", budget, apperr.ErrInvalidInput)
	}
	return size, nil
}

// Split returns the wire frames for payload. Payloads within budget are
// returned unchanged as a single frame.
func Split(payload []byte, budget int) ([][]byte, error) {
	if len(payload) <= budget {
		return [][]byte{payload}, nil
	}
	size, err := ChunkSize(budget)
	if err != nil {
		return nil, err
	}
	total := (len(payload) + size - 1) / size
	id := uuid.NewString()
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*size, len(payload))
		raw, err := json.Marshal(Frame{UUID: id, Chunk: i, Total: total, Message: payload[i*size : end]})
		if err != nil {
			return nil, fmt.Errorf("transport: marshal frame: %w", err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// frameHead tells a frame apart from a whole message.
type frameHead struct {
	Operation Operation `json:"operation"`
	Total     int       `json:"total"`
}

// IsFrame reports whether raw is a fragment rather than a whole message.
func IsFrame(raw []byte) bool {
	var p frameHead
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.Operation == "" && p.Total > 0
}

type partial struct {
	parts    [][]byte
	received int
	updated  time.Time
}

// Assembler buffers fragments per message uuid until every slot is filled.
// Buffers not completed within the TTL are evicted.
type Assembler struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	buffers map[string]*partial
}

func NewAssembler(ttl time.Duration) *Assembler {
	if ttl <= 0 {
		ttl = DefaultFragmentTTL
	}
	return &Assembler{ttl: ttl, now: time.Now, buffers: make(map[string]*partial)}
}

// Add stores f. When f completes its message, the reassembled payload is
// returned with done set.
func (a *Assembler) Add(f Frame) (payload []byte, done bool, err error) {
	if f.UUID == "" || f.Total <= 0 || f.Chunk < 0 || f.Chunk >= f.Total {
		return nil, false, fmt.Errorf("transport: frame %s %d/%d: %w", f.UUID, f.Chunk, f.Total, apperr.ErrInvalidInput)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.sweepLocked(now)

	p, ok := a.buffers[f.UUID]
	if !ok {
		p = &partial{parts: make([][]byte, f.Total)}
		a.buffers[f.UUID] = p
	}
	if len(p.parts) != f.Total {
		return nil, false, fmt.Errorf("transport: frame %s total %d, expected %d: %w", f.UUID, f.Total, len(p.parts), apperr.ErrInvalidInput)
	}
	p.updated = now
	if len(p.parts[f.Chunk]) == 0 && len(f.Message) > 0 {
		p.parts[f.Chunk] = f.Message
		p.received++
	}
	if p.received < f.Total {
		return nil, false, nil
	}
	delete(a.buffers, f.UUID)
	size := 0
	for _, part := range p.parts {
		size += len(part)
	}
	payload = make([]byte, 0, size)
	for _, part := range p.parts {
		payload = append(payload, part...)
	}
	return payload, true, nil
}

// Sweep evicts expired buffers and returns how many were dropped.
func (a *Assembler) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sweepLocked(a.now())
}

func (a *Assembler) sweepLocked(now time.Time) int {
	n := 0
	for id, p := range a.buffers {
		if now.Sub(p.updated) > a.ttl {
			delete(a.buffers, id)
			n++
		}
	}
	if n > 0 {
		metrics.FragmentsEvicted.Add(float64(n))
	}
	return n
}

// Pending returns the number of incomplete messages buffered.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Encode serializes msg and splits it under budget.
func Encode(msg Message, budget int) ([][]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal message: %w", err)
	}
	return Split(raw, budget)
}

// Decoder turns wire frames back into messages.
type Decoder struct {
	asm *Assembler
}

func NewDecoder(asm *Assembler) *Decoder {
	return &Decoder{asm: asm}
}

// Decode returns the message raw completes, or nil while fragments are missing.
func (d *Decoder) Decode(raw []byte) (*Message, error) {
	if IsFrame(raw) {
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("transport: decode frame: %v: %w", err, apperr.ErrInvalidInput)
		}
		payload, done, err := d.asm.Add(f)
		if err != nil || !done {
			return nil, err
		}
		raw = payload
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("transport: decode message: %v: %w", err, apperr.ErrInvalidInput)
	}
	if msg.Operation == "" {
		return nil, fmt.Errorf("transport: message without operation: %w", apperr.ErrInvalidInput)
	}
	return &msg, nil
}
