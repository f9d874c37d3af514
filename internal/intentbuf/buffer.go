package intentbuf

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrBackpressure signals that a sender's buffered intents exceed the size
// cap while a previous flush is still being analyzed. Callers reject the
// message with a reason instead of blocking.
var ErrBackpressure = errors.New("intent buffer backpressure: sender window is full")

type RawIntent struct {
	SenderID   string
	Text       string
	Priority   string
	ReceivedAt time.Time
}

type FlushReason string

const (
	FlushReasonWindowElapsed FlushReason = "window_elapsed"
	FlushReasonMaxSize       FlushReason = "max_size"
	FlushReasonOverride      FlushReason = "override"
)

// FlushHandler receives the ordered batch for one sender. It runs on its own
// goroutine; the buffer only tracks that a flush is outstanding.
type FlushHandler func(senderID string, reason FlushReason, intents []RawIntent)

// senderWindow holds one sender's open window behind its own lock, so
// ingest and flush for one sender never contend with another sender's.
type senderWindow struct {
	mu          sync.Mutex
	openedAt    time.Time
	intents     []RawIntent
	outstanding int
}

// Buffer accumulates raw intents per sender into time-limited windows so
// closely spaced messages are analyzed jointly. The registry lock covers
// only window creation and eviction; all window state lives behind each
// window's own mutex.
type Buffer struct {
	window  time.Duration
	maxSize int
	handler FlushHandler

	mu      sync.RWMutex
	senders map[string]*senderWindow
}

func New(window time.Duration, maxSize int, handler FlushHandler) *Buffer {
	if window <= 0 {
		window = 45 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 32
	}
	return &Buffer{
		window:  window,
		maxSize: maxSize,
		handler: handler,
		senders: make(map[string]*senderWindow),
	}
}

func (b *Buffer) windowFor(senderID string, create bool) *senderWindow {
	b.mu.RLock()
	w := b.senders[senderID]
	b.mu.RUnlock()
	if w != nil || !create {
		return w
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if w = b.senders[senderID]; w == nil {
		w = &senderWindow{}
		b.senders[senderID] = w
	}
	return w
}

// Ingest appends a raw intent to the sender's open window, creating the
// window on first message. Reaching the size cap flushes immediately; if a
// prior flush is still outstanding the message is rejected with
// ErrBackpressure instead.
func (b *Buffer) Ingest(senderID, text, priority string, receivedAt time.Time) error {
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return errors.New("sender_id is required")
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	w := b.windowFor(senderID, true)
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.intents) == 0 {
		w.openedAt = receivedAt
	}
	if w.outstanding > 0 && len(w.intents)+1 >= b.maxSize {
		return ErrBackpressure
	}
	w.intents = append(w.intents, RawIntent{
		SenderID:   senderID,
		Text:       text,
		Priority:   priority,
		ReceivedAt: receivedAt,
	})
	if len(w.intents) >= b.maxSize {
		b.flushWindowLocked(senderID, w, FlushReasonMaxSize)
	}
	return nil
}

// FlushNow force-flushes the sender's window regardless of elapsed time.
// Used by the priority-override path. Returns false when nothing is buffered.
func (b *Buffer) FlushNow(senderID string) bool {
	w := b.windowFor(senderID, false)
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return b.flushWindowLocked(senderID, w, FlushReasonOverride)
}

// Size reports the current window size for a sender, 0 when closed.
func (b *Buffer) Size(senderID string) int {
	w := b.windowFor(senderID, false)
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.intents)
}

// StartJanitor flushes aged windows on a fixed tick until ctx is cancelled.
func (b *Buffer) StartJanitor(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	go func() {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				b.flushExpired(now)
			}
		}
	}()
}

func (b *Buffer) flushExpired(now time.Time) {
	type pair struct {
		id string
		w  *senderWindow
	}
	b.mu.RLock()
	snapshot := make([]pair, 0, len(b.senders))
	for id, w := range b.senders {
		snapshot = append(snapshot, pair{id: id, w: w})
	}
	b.mu.RUnlock()

	var idle []string
	for _, p := range snapshot {
		p.w.mu.Lock()
		switch {
		case len(p.w.intents) > 0 && now.Sub(p.w.openedAt) >= b.window:
			b.flushWindowLocked(p.id, p.w, FlushReasonWindowElapsed)
		case len(p.w.intents) == 0 && p.w.outstanding == 0:
			idle = append(idle, p.id)
		}
		p.w.mu.Unlock()
	}
	if len(idle) == 0 {
		return
	}

	b.mu.Lock()
	for _, id := range idle {
		w := b.senders[id]
		if w == nil {
			continue
		}
		w.mu.Lock()
		if len(w.intents) == 0 && w.outstanding == 0 {
			delete(b.senders, id)
		}
		w.mu.Unlock()
	}
	b.mu.Unlock()
}

// flushWindowLocked hands the ordered batch to the handler and resets the
// window. Caller holds w.mu. Reports whether anything was flushed.
func (b *Buffer) flushWindowLocked(senderID string, w *senderWindow, reason FlushReason) bool {
	if len(w.intents) == 0 {
		return false
	}
	batch := w.intents
	w.intents = nil
	w.outstanding++

	go func() {
		if b.handler != nil {
			b.handler(senderID, reason, batch)
		}
		w.mu.Lock()
		w.outstanding--
		w.mu.Unlock()
	}()
	return true
}
