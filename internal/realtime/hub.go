package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeastudio/api/internal/model"
)

// Event is one buffered line of a job stream. Seq starts at 1 and grows by
// one per event within a job.
type Event struct {
	Seq  int64           `json:"seq"`
	Type model.EventType `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Subscription receives a job's events. Events is closed when the job
// finishes, when the hub releases the job, or when the subscriber is
// dropped for falling behind.
type Subscription struct {
	JobID  string
	Events <-chan Event

	ch     chan Event
	hub    *Hub
	closed bool
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

type topic struct {
	events   []Event
	nextSeq  int64
	subs     map[*Subscription]struct{}
	sealed   bool
	terminal *Event
	touched  time.Time
}

// Options tune buffering and eviction.
type Options struct {
	SubscriberBuffer int
	MaxReplay        int
	Retention        time.Duration
	IdleTTL          time.Duration
}

// Hub is an in-process registry of job streams. It is created once and
// shared by everything that publishes or subscribes.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

func NewHub(opts Options, logger zerolog.Logger) *Hub {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.MaxReplay <= 0 {
		opts.MaxReplay = 512
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 6 * time.Hour
	}
	return &Hub{
		topics: make(map[string]*topic),
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) topicLocked(jobID string) *topic {
	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{nextSeq: 1, subs: make(map[*Subscription]struct{})}
		h.topics[jobID] = t
	}
	t.touched = h.now()
	return t
}

// Subscribe replays buffered events with Seq > from and then streams live
// ones. On a finished job the replay always ends with the terminal event
// and the channel is closed right away.
func (h *Hub) Subscribe(jobID string, from int64) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(jobID)

	var replay []Event
	for _, ev := range t.events {
		if ev.Seq > from {
			replay = append(replay, ev)
		}
	}
	if t.sealed && t.terminal != nil && (len(replay) == 0 || replay[len(replay)-1].Seq != t.terminal.Seq) {
		replay = append(replay, *t.terminal)
	}

	ch := make(chan Event, len(replay)+h.opts.SubscriberBuffer)
	for _, ev := range replay {
		ch <- ev
	}

	sub := &Subscription{JobID: jobID, Events: ch, ch: ch, hub: h}
	if t.sealed {
		sub.closed = true
		close(ch)
		return sub
	}
	t.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[sub.JobID]; ok {
		delete(t.subs, sub)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish appends an event and fans it out. Events for a finished job are
// discarded and reported with false.
func (h *Hub) Publish(jobID string, typ model.EventType, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to marshal event")
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(jobID)
	if t.sealed {
		return false
	}
	h.appendLocked(jobID, t, Event{Type: typ, Data: data})
	return true
}

func (h *Hub) appendLocked(jobID string, t *topic, ev Event) Event {
	ev.Seq = t.nextSeq
	t.nextSeq++

	t.events = append(t.events, ev)
	if over := len(t.events) - h.opts.MaxReplay; over > 0 {
		t.events = append(t.events[:0:0], t.events[over:]...)
	}

	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			// slow subscriber
			delete(t.subs, sub)
			sub.closed = true
			close(sub.ch)
			h.logger.Debug().Str("job_id", jobID).Msg("dropped slow subscriber")
		}
	}
	return ev
}

// Finish publishes the terminal event, seals the stream and closes every
// subscriber. A second Finish for the same job is ignored.
func (h *Hub) Finish(jobID string, payload interface{}) {
	h.seal(jobID, payload, true)
}

// Seal marks a job finished without notifying live subscribers first. It
// is used for jobs found terminal in the store whose stream is not in
// memory. It does nothing for a stream that is already sealed.
func (h *Hub) Seal(jobID string, payload interface{}) {
	h.seal(jobID, payload, false)
}

func (h *Hub) seal(jobID string, payload interface{}, fanout bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to marshal terminal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(jobID)
	if t.sealed {
		return
	}

	ev := Event{Type: model.EventDone, Data: data}
	if fanout {
		ev = h.appendLocked(jobID, t, ev)
	} else {
		ev.Seq = t.nextSeq
		t.nextSeq++
		t.events = append(t.events, ev)
	}
	t.terminal = &ev
	t.sealed = true
	h.closeSubsLocked(t)
}

// Release closes the current subscribers but keeps the stream open, so a
// later recovery can still publish to new subscribers.
func (h *Hub) Release(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[jobID]; ok {
		h.closeSubsLocked(t)
	}
}

func (h *Hub) closeSubsLocked(t *topic) {
	for sub := range t.subs {
		delete(t.subs, sub)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
}

// Subscribers reports how many live subscribers a job has.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[jobID]; ok {
		return len(t.subs)
	}
	return 0
}

// Evict drops sealed streams older than the retention period and idle
// streams nobody listens to.
func (h *Hub) Evict() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	evicted := 0
	for id, t := range h.topics {
		age := now.Sub(t.touched)
		if (t.sealed && age > h.opts.Retention) || (len(t.subs) == 0 && age > h.opts.IdleTTL) {
			h.closeSubsLocked(t)
			delete(h.topics, id)
			evicted++
		}
	}
	return evicted
}

// Run evicts on an interval until ctx ends.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.Evict(); n > 0 {
				h.logger.Debug().Int("evicted", n).Msg("evicted job streams")
			}
		}
	}
}
