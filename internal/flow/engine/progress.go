package engine

import (
	"sync"
	"time"
)

// progressLog fans structured run events out to an optional sink (the SSE
// broadcaster) and keeps an in-memory tail for status queries. Events are
// flat maps so they serialise straight to JSON.
type progressLog struct {
	mu     sync.Mutex
	sink   func(map[string]any)
	events []map[string]any
	lastAt time.Time
}

const progressTailLimit = 2048

func (p *progressLog) setSink(sink func(map[string]any)) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

func (p *progressLog) append(ev map[string]any) {
	if ev == nil {
		return
	}
	if _, ok := ev["ts"]; !ok {
		ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	p.mu.Lock()
	p.lastAt = time.Now()
	p.events = append(p.events, ev)
	if len(p.events) > progressTailLimit {
		p.events = p.events[len(p.events)-progressTailLimit:]
	}
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// tail returns a copy of the retained events.
func (p *progressLog) tail() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]map[string]any, len(p.events))
	copy(out, p.events)
	return out
}

func (p *progressLog) lastProgressAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAt
}
