package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jparkml/driftwatch/pkg/models"
)

// Subscriber receives progress snapshots for a task. Implementations must not
// block; slow transports should buffer or drop internally.
type Subscriber interface {
	Notify(taskID uuid.UUID, snap models.ProgressSnapshot)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(taskID uuid.UUID, snap models.ProgressSnapshot)

func (f SubscriberFunc) Notify(taskID uuid.UUID, snap models.ProgressSnapshot) {
	f(taskID, snap)
}

// Notifier fans progress snapshots out to subscribers with a per-task minimum
// interval between deliveries. Fast-moving counters would otherwise flood the
// transport; the floor is required behavior, not an optimization. Terminal
// snapshots (progress >= 1) are always delivered.
type Notifier struct {
	mu       sync.Mutex
	subs     []Subscriber
	lastPush map[uuid.UUID]time.Time
	minGap   time.Duration

	now func() time.Time // test hook
}

// NewNotifier creates a notifier with the given delivery floor. A
// non-positive minGap disables rate limiting.
func NewNotifier(minGap time.Duration) *Notifier {
	return &Notifier{
		lastPush: make(map[uuid.UUID]time.Time),
		minGap:   minGap,
		now:      time.Now,
	}
}

// Subscribe registers a subscriber for all tasks.
func (n *Notifier) Subscribe(s Subscriber) {
	n.mu.Lock()
	n.subs = append(n.subs, s)
	n.mu.Unlock()
}

// Publish delivers snap to all subscribers unless the task's last delivery
// was within the minimum gap. Returns whether the snapshot was delivered.
func (n *Notifier) Publish(taskID uuid.UUID, snap models.ProgressSnapshot) bool {
	n.mu.Lock()
	now := n.now()
	terminal := snap.Progress >= 1.0
	if !terminal && n.minGap > 0 {
		if last, ok := n.lastPush[taskID]; ok && now.Sub(last) < n.minGap {
			n.mu.Unlock()
			return false
		}
	}
	n.lastPush[taskID] = now
	if terminal {
		delete(n.lastPush, taskID)
	}
	subs := make([]Subscriber, len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, s := range subs {
		s.Notify(taskID, snap)
	}
	return true
}
