// Package closure spaces position closures in time so that no more than a
// handful land in any sliding window.
package closure

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"bot_simulator/internal/models"
)

const retention = 60 * time.Second

type Config struct {
	Window      time.Duration
	MaxClosures int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:      30 * time.Second,
		MaxClosures: 2,
		MinDelay:    5 * time.Second,
		MaxDelay:    15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxClosures <= 0 {
		c.MaxClosures = d.MaxClosures
	}
	if c.MinDelay <= 0 {
		c.MinDelay = d.MinDelay
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	return c
}

// Decision answers whether a position may close now. An approved decision
// still carries a short natural delay; a rejected one says when to ask again.
type Decision struct {
	Approve bool
	Delay   time.Duration
	Reason  string
}

type Scheduler struct {
	mu     sync.Mutex
	cfg    Config
	rng    *rand.Rand
	recent []models.ClosureEvent
}

func New(cfg Config, rng *rand.Rand) *Scheduler {
	return &Scheduler{cfg: cfg.withDefaults(), rng: rng}
}

func (s *Scheduler) Config() Config { return s.cfg }

// RecordClosure stores an executed closure, replacing the reservation made for
// the same position if there is one.
func (s *Scheduler) RecordClosure(positionID string, pnl float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.recent {
		if s.recent[i].PositionID == positionID {
			s.recent[i].Timestamp = now
			s.recent[i].PnL = pnl
			s.pruneLocked(now)
			return
		}
	}
	s.recent = append(s.recent, models.ClosureEvent{PositionID: positionID, Timestamp: now, PnL: pnl})
	s.pruneLocked(now)
}

// Cancel drops an unexecuted reservation.
func (s *Scheduler) Cancel(positionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.recent {
		if s.recent[i].PositionID == positionID {
			s.recent = append(s.recent[:i], s.recent[i+1:]...)
			return
		}
	}
}

// Decide approves or defers the closure of positionID. Approval reserves a
// slot at now+Delay, so approvals issued back to back still respect the
// window limit. A closure may execute after its slot as long as it runs
// less than Window late; the executed time then replaces the reservation.
func (s *Scheduler) Decide(positionID string, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)

	for _, c := range s.recent {
		if c.PositionID == positionID {
			delay := c.Timestamp.Sub(now)
			if delay < 0 {
				delay = 0
			}
			return Decision{Approve: true, Delay: delay, Reason: "slot already reserved"}
		}
	}

	// every entry that could share a window with a closure at now or later
	horizon := now.Add(-s.cfg.Window)
	var counted []time.Time
	var latest time.Time
	for _, c := range s.recent {
		if c.Timestamp.After(horizon) {
			counted = append(counted, c.Timestamp)
		}
		if c.Timestamp.After(latest) {
			latest = c.Timestamp
		}
	}

	if len(counted) >= s.cfg.MaxClosures {
		sort.Slice(counted, func(i, j int) bool { return counted[i].Before(counted[j]) })
		// the oldest counted entries must age out before a slot frees up
		oldest := counted[len(counted)-s.cfg.MaxClosures]
		wait := oldest.Add(s.cfg.Window).Sub(now)
		return Decision{
			Delay:  wait + s.pad(s.cfg.MinDelay, s.cfg.MaxDelay),
			Reason: fmt.Sprintf("%d closures within %s", len(counted), s.cfg.Window),
		}
	}

	if !latest.IsZero() {
		if since := now.Sub(latest); since < s.cfg.MinDelay {
			return Decision{
				Delay:  s.cfg.MinDelay - since + s.pad(0, s.cfg.MaxDelay/2),
				Reason: fmt.Sprintf("last closure %s ago", since.Round(time.Millisecond)),
			}
		}
	}

	delay := s.pad(0, s.cfg.MaxDelay/2)
	s.recent = append(s.recent, models.ClosureEvent{PositionID: positionID, Timestamp: now.Add(delay)})
	return Decision{Approve: true, Delay: delay, Reason: "approved"}
}

// InWindow counts closures and reservations in (now-Window, now+Window).
func (s *Scheduler) InWindow(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.recent {
		if c.Timestamp.After(now.Add(-s.cfg.Window)) && c.Timestamp.Before(now.Add(s.cfg.Window)) {
			n++
		}
	}
	return n
}

// Recent returns a copy of the retained history.
func (s *Scheduler) Recent() []models.ClosureEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ClosureEvent, len(s.recent))
	copy(out, s.recent)
	return out
}

func (s *Scheduler) pad(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)))
}

func (s *Scheduler) pruneLocked(now time.Time) {
	keep := retention
	if w := 2 * s.cfg.Window; w > keep {
		keep = w
	}
	cutoff := now.Add(-keep)
	kept := s.recent[:0]
	for _, c := range s.recent {
		if c.Timestamp.After(cutoff) {
			kept = append(kept, c)
		}
	}
	s.recent = kept
}

type schedulerState struct {
	RecentClosures []closureRecord `json:"recentClosures"`
}

type closureRecord struct {
	PositionID string  `json:"positionId"`
	Timestamp  int64   `json:"timestamp"`
	PnL        float64 `json:"pnl"`
}

// MarshalState serializes the retained history. Timestamps are Unix
// milliseconds.
func (s *Scheduler) MarshalState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := schedulerState{RecentClosures: make([]closureRecord, 0, len(s.recent))}
	for _, c := range s.recent {
		st.RecentClosures = append(st.RecentClosures, closureRecord{
			PositionID: c.PositionID,
			Timestamp:  c.Timestamp.UnixMilli(),
			PnL:        c.PnL,
		})
	}
	return json.Marshal(st)
}

// Restore rebuilds a scheduler from MarshalState output, dropping entries that
// have aged past retention.
func Restore(data []byte, cfg Config, rng *rand.Rand, now time.Time) (*Scheduler, error) {
	var st schedulerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode scheduler state: %w", err)
	}
	s := New(cfg, rng)
	for _, r := range st.RecentClosures {
		s.recent = append(s.recent, models.ClosureEvent{
			PositionID: r.PositionID,
			Timestamp:  time.UnixMilli(r.Timestamp),
			PnL:        r.PnL,
		})
	}
	s.pruneLocked(now)
	return s, nil
}
