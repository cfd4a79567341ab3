package hub

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/avaropoint/agstream/internal/event"
	"github.com/avaropoint/agstream/internal/metrics"
	"github.com/avaropoint/agstream/internal/protocol"
)

// Member is anything the registry can deliver text to. *Conn is the
// production implementation.
type Member interface {
	ID() string
	Send(text string) error
	Close() error
	Open() bool
}

// closeNotifier is implemented by members that can report their own
// closure, so the registry can drop them without waiting for a failed send.
type closeNotifier interface {
	OnClose(fn func())
}

// Registry is the set of open connections and the broadcaster over it.
type Registry struct {
	mu      sync.Mutex
	members map[string]Member
	closed  bool

	// sendMu orders broadcasts so every member sees them in the same
	// sequence. Conn.Send only queues, so it is never held across a
	// socket write.
	sendMu sync.Mutex

	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry returns an empty registry. Both arguments may be nil.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		members: make(map[string]Member),
		log:     logger.With("component", "registry"),
		metrics: m,
	}
}

// Register adds m. Members that report their own closure are removed
// automatically when they close. After CloseAll, m is closed instead.
func (r *Registry) Register(m Member) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		closeMember(m)
		return
	}
	r.members[m.ID()] = m
	n := len(r.members)
	r.mu.Unlock()

	if cn, ok := m.(closeNotifier); ok {
		cn.OnClose(func() { r.Unregister(m) })
	}
	r.log.Debug("member registered", "id", m.ID(), "count", n)
}

// Unregister removes m and reports whether it was present.
func (r *Registry) Unregister(m Member) bool {
	r.mu.Lock()
	cur, ok := r.members[m.ID()]
	ok = ok && cur == m
	if ok {
		delete(r.members, m.ID())
	}
	n := len(r.members)
	r.mu.Unlock()

	if ok {
		r.log.Debug("member unregistered", "id", m.ID(), "count", n)
	}
	return ok
}

// Count returns the number of registered members.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Members returns a snapshot of the current membership.
func (r *Registry) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// Broadcast serializes ev once and sends it to every member. Members
// whose send fails are unregistered and closed; the rest still receive.
// It returns how many members the event was delivered to.
func (r *Registry) Broadcast(ev event.Event) (int, error) {
	data, err := event.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("broadcast %s: %w", ev.Kind(), err)
	}
	r.metrics.EventEmitted(string(ev.Kind()), "broadcast")
	return r.BroadcastText(string(data)), nil
}

// BroadcastText sends an already-serialized message to every member.
func (r *Registry) BroadcastText(text string) int {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	delivered := 0
	for _, m := range r.Members() {
		if err := m.Send(text); err != nil {
			r.drop(m, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Unicast serializes ev and sends it to m only.
func (r *Registry) Unicast(m Member, ev event.Event) error {
	data, err := event.Marshal(ev)
	if err != nil {
		return fmt.Errorf("unicast %s: %w", ev.Kind(), err)
	}
	r.metrics.EventEmitted(string(ev.Kind()), "unicast")
	return r.SendTo(m, string(data))
}

// SendTo delivers text to a single member, dropping it on failure.
func (r *Registry) SendTo(m Member, text string) error {
	if err := m.Send(text); err != nil {
		r.drop(m, err)
		return err
	}
	return nil
}

func (r *Registry) drop(m Member, err error) {
	r.log.Info("dropping member after send failure", "id", m.ID(), "error", err)
	r.metrics.BroadcastFailed()
	r.Unregister(m)
	_ = m.Close()
}

// Reap closes and removes members that are no longer open, catching
// transports that only fail on read. It returns how many were removed.
func (r *Registry) Reap() int {
	var stale []Member
	for _, m := range r.Members() {
		if !m.Open() {
			stale = append(stale, m)
		}
	}
	for _, m := range stale {
		r.Unregister(m)
		_ = m.Close()
	}
	if len(stale) > 0 {
		r.log.Debug("reaped members", "count", len(stale))
	}
	return len(stale)
}

// CloseAll closes and removes every member, sending a going-away CLOSE
// frame to members that support it. Later registrations are refused.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	members := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.members = make(map[string]Member)
	r.mu.Unlock()

	// Each close may wait for a slow peer to take its CLOSE frame.
	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			closeMember(m)
		}()
	}
	wg.Wait()
}

func closeMember(m Member) {
	if cw, ok := m.(interface {
		CloseWith(code uint16, reason string) error
	}); ok {
		_ = cw.CloseWith(protocol.CloseGoingAway, "server shutting down")
		return
	}
	_ = m.Close()
}
