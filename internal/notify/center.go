package notify

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const dayStampLayout = "2006-01-02"

var (
	errMissingDismissals = errors.New("notify: dismissal store is required")
	noOpLogger           = zap.NewNop()
)

// Record is one user-visible notification.
type Record struct {
	ID        int64
	Type      string
	Title     string
	Message   string
	StickyKey string
	AutoClose time.Duration
}

// Dismissals persists which sticky keys were dismissed on which calendar day.
type Dismissals interface {
	MarkDismissed(key, day string) error
	IsDismissed(key, day string) bool
}

// CenterConfig describes the dependencies of the notification center.
type CenterConfig struct {
	Dismissals Dismissals
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Center maintains the visible notification queue and suppresses sticky
// notifications already dismissed on the current local calendar day. It has
// no knowledge of entities.
type Center struct {
	mu         sync.Mutex
	items      []Record
	timers     map[int64]*time.Timer
	nextID     int64
	dismissals Dismissals
	clock      func() time.Time
	logger     *zap.Logger
}

// NewCenter constructs a notification center.
func NewCenter(cfg CenterConfig) (*Center, error) {
	if cfg.Dismissals == nil {
		return nil, errMissingDismissals
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Center{
		timers:     make(map[int64]*time.Timer),
		dismissals: cfg.Dismissals,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Push queues the record most-recent-first and returns its assigned id. A
// sticky record whose key was already dismissed on the current local day is
// silently dropped and shown reports false.
func (c *Center) Push(record Record) (int64, bool) {
	c.mu.Lock()
	if record.StickyKey != "" && c.dismissals.IsDismissed(record.StickyKey, c.todayStamp()) {
		c.mu.Unlock()
		c.logger.Debug("sticky notification suppressed", zap.String("sticky_key", record.StickyKey))
		return 0, false
	}
	c.nextID++
	record.ID = c.nextID
	c.items = append([]Record{record}, c.items...)
	if record.AutoClose > 0 {
		id := record.ID
		c.timers[id] = time.AfterFunc(record.AutoClose, func() {
			c.Dismiss(id, "")
		})
	}
	c.mu.Unlock()
	return record.ID, true
}

// Dismiss removes the record from the visible queue. A manual dismissal
// cancels the pending auto-close timer so the two paths cannot race. When
// stickyKey is present the key is durably marked dismissed for the current
// local day.
func (c *Center) Dismiss(id int64, stickyKey string) {
	c.mu.Lock()
	if timer, ok := c.timers[id]; ok {
		timer.Stop()
		delete(c.timers, id)
	}
	for i, item := range c.items {
		if item.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			break
		}
	}
	var day string
	if stickyKey != "" {
		day = c.todayStamp()
	}
	c.mu.Unlock()

	if stickyKey != "" {
		if err := c.dismissals.MarkDismissed(stickyKey, day); err != nil {
			c.logger.Warn("failed to persist dismissal",
				zap.String("sticky_key", stickyKey),
				zap.Error(err))
		}
	}
}

// Items returns the visible queue, most recent first.
func (c *Center) Items() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]Record, len(c.items))
	copy(snapshot, c.items)
	return snapshot
}

// Clear empties the visible queue and cancels all auto-close timers.
func (c *Center) Clear() {
	c.mu.Lock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.items = nil
	c.mu.Unlock()
}

// Day boundaries follow the viewer's local calendar date, not UTC.
func (c *Center) todayStamp() string {
	return c.clock().Format(dayStampLayout)
}
