package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
)

// FlowEvent is one run progress event with its position in the flow's event
// stream. Seq starts at 1 and is unique within a broadcaster, so it doubles
// as the SSE event id for client resume.
type FlowEvent struct {
	Seq  uint64
	Name string
	Data map[string]any
}

// Broadcaster fans out one flow's progress events to multiple SSE clients.
// The stream accumulates across runs; every event carries a sequence number
// so a reconnecting client can resume from the last frame it saw.
type Broadcaster struct {
	mu      sync.Mutex
	seq     uint64
	history []FlowEvent
	clients map[uint64]chan FlowEvent
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed on Close() only, not on slow-client drops
}

// NewBroadcaster creates an empty event stream.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan FlowEvent),
		doneCh:  make(chan struct{}),
	}
}

// Send is the engine's progress sink. The event name comes from the "event"
// field the engine sets on every progress map. Events arrive already copied,
// so they are safe to retain.
func (b *Broadcaster) Send(data map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	name, _ := data["event"].(string)
	if name == "" {
		name = "message"
	}
	ev := FlowEvent{Seq: b.seq, Name: name, Data: data}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			// Slow client: drop to prevent blocking the engine.
			close(ch)
			delete(b.clients, id)
		}
	}
}

// SubscribeFrom returns an events channel, a done channel, and an
// unsubscribe function. The events channel first replays history with
// sequence numbers above afterSeq, then carries live events; afterSeq 0
// replays everything. The done channel is closed only when the broadcaster
// itself closes, NOT when a slow client is dropped, so callers can
// distinguish the two cases.
func (b *Broadcaster) SubscribeFrom(afterSeq uint64) (<-chan FlowEvent, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []FlowEvent
	for _, ev := range b.history {
		if ev.Seq > afterSeq {
			replay = append(replay, ev)
		}
	}
	ch := make(chan FlowEvent, len(replay)+256)
	id := b.nextID
	b.nextID++

	// Channel is sized to fit the whole replay plus live headroom, so this
	// never blocks while holding the mutex.
	for _, ev := range replay {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close signals that no more events will be sent. All client channels are closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of all events received so far.
func (b *Broadcaster) History() []FlowEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FlowEvent, len(b.history))
	copy(out, b.history)
	return out
}

// WriteSSE streams a flow's events to an HTTP response as named Server-Sent
// Events, replaying history before going live. The sequence number is the
// frame id; a client reconnecting with a Last-Event-ID header resumes after
// the last frame it received.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var afterSeq uint64
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		afterSeq, _ = strconv.ParseUint(last, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.SubscribeFrom(afterSeq)
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Channel closed. Only emit "done" if the broadcaster actually
				// finished (vs. this client being dropped for slowness).
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
					// Slow-client drop: disconnect silently.
				}
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Name, data)
			flusher.Flush()
		}
	}
}
