// Package games implements chat mini-games. Quickdraw announces a round
// and the first chatter to type one of the draw words wins; the fastest
// response time is kept across restarts.
package games

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/banter/internal/events"
	"github.com/nugget/banter/internal/opstate"
)

// Announcement is sent when a round starts. Either word wins.
const Announcement = "> QUICKDRAW! PARDNER vs YEEHAW"

// ExpiredMessage is sent when a round times out unanswered.
const ExpiredMessage = "Nobody drew. Quickdraw over MMMM"

// maxTrackedNicks bounds the per-nick win tally.
const maxTrackedNicks = 1000

var drawWords = []string{"PARDNER", "YEEHAW"}

// ErrRoundActive is returned by Start while a round is running.
var ErrRoundActive = errors.New("quickdraw round already running")

// RecordStore persists the quickdraw record.
type RecordStore interface {
	QuickdrawRecord(ctx context.Context) (opstate.Record, bool, error)
	SetQuickdrawRecord(ctx context.Context, rec opstate.Record) error
}

// Stats is a snapshot of quickdraw activity since startup.
type Stats struct {
	Active  bool            `json:"active"`
	Started int             `json:"started"`
	Won     int             `json:"won"`
	Expired int             `json:"expired"`
	Record  *opstate.Record `json:"record,omitempty"`
}

// Option configures a Quickdraw.
type Option func(*Quickdraw)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Quickdraw) { q.now = now }
}

// WithTimeout ends an unanswered round after d and passes
// ExpiredMessage to announce. Zero leaves rounds open until won.
func WithTimeout(d time.Duration, announce func(text string)) Option {
	return func(q *Quickdraw) {
		q.timeout = d
		q.announce = announce
	}
}

// WithEventBus publishes round events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(q *Quickdraw) { q.bus = bus }
}

// Quickdraw runs one round at a time.
type Quickdraw struct {
	store    RecordStore
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
	timeout  time.Duration
	announce func(string)

	mu        sync.Mutex
	active    bool
	round     uint64
	started   time.Time
	timer     *time.Timer
	record    opstate.Record
	hasRecord bool
	stats     Stats
	wins      map[string]int
}

// NewQuickdraw loads the stored record. store may be nil, in which
// case records last only for the process lifetime.
func NewQuickdraw(ctx context.Context, store RecordStore, logger *slog.Logger, opts ...Option) (*Quickdraw, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Quickdraw{
		store:  store,
		logger: logger.With("component", "quickdraw"),
		now:    time.Now,
		wins:   make(map[string]int),
	}
	for _, o := range opts {
		o(q)
	}
	if store != nil {
		rec, ok, err := store.QuickdrawRecord(ctx)
		if err != nil {
			return nil, fmt.Errorf("load quickdraw record: %w", err)
		}
		q.record, q.hasRecord = rec, ok
	}
	return q, nil
}

// Start opens a round and returns the announcement to send.
func (q *Quickdraw) Start() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active {
		return "", ErrRoundActive
	}
	q.active = true
	q.round++
	q.started = q.now()
	q.stats.Started++
	if q.timeout > 0 {
		round := q.round
		q.timer = time.AfterFunc(q.timeout, func() { q.expire(round) })
	}

	q.logger.Info("quickdraw started", "round", q.round)
	q.bus.Emit(events.SourceGame, events.KindRoundStarted, map[string]any{"round": q.round})
	return Announcement, nil
}

// Active reports whether a round is running.
func (q *Quickdraw) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Offer passes an observed chat line to the running round. When text is
// a draw word the round ends and the result line is returned with
// won set.
func (q *Quickdraw) Offer(ctx context.Context, nick, text string) (reply string, won bool) {
	text = strings.TrimSpace(text)
	if !isDrawWord(text) {
		return "", false
	}

	q.mu.Lock()
	if !q.active {
		q.mu.Unlock()
		return "", false
	}
	q.active = false
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	secs := roundSeconds(q.now().Sub(q.started))
	q.stats.Won++
	if _, ok := q.wins[nick]; ok || len(q.wins) < maxTrackedNicks {
		q.wins[nick]++
	}

	msg := fmt.Sprintf("%s %s shot first! Response time: %s seconds. ", text, nick, formatSeconds(secs))
	newRecord := !q.hasRecord || secs < q.record.Seconds
	if newRecord {
		msg += "New record!"
		q.record = opstate.Record{Nick: nick, Seconds: secs}
		q.hasRecord = true
	} else {
		msg += fmt.Sprintf("Record time: %s by %s", formatSeconds(q.record.Seconds), q.record.Nick)
	}
	rec := q.record
	q.mu.Unlock()

	q.logger.Info("quickdraw won", "nick", nick, "seconds", secs, "new_record", newRecord)
	q.bus.Emit(events.SourceGame, events.KindRoundWon, map[string]any{
		"nick":    nick,
		"seconds": secs,
		"record":  newRecord,
	})
	if newRecord && q.store != nil {
		if err := q.store.SetQuickdrawRecord(ctx, rec); err != nil {
			q.logger.Warn("failed to persist quickdraw record", "error", err)
		}
	}
	return msg, true
}

// Wins returns how many rounds nick has won since startup.
func (q *Quickdraw) Wins(nick string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wins[nick]
}

// Stats returns a snapshot of round counters and the current record.
func (q *Quickdraw) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Active = q.active
	if q.hasRecord {
		rec := q.record
		s.Record = &rec
	}
	return s
}

// Stop cancels a running round without a winner.
func (q *Quickdraw) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.active = false
}

func (q *Quickdraw) expire(round uint64) {
	q.mu.Lock()
	if !q.active || q.round != round {
		q.mu.Unlock()
		return
	}
	q.active = false
	q.timer = nil
	q.stats.Expired++
	q.mu.Unlock()

	q.logger.Info("quickdraw expired", "round", round)
	q.bus.Emit(events.SourceGame, events.KindRoundExpired, map[string]any{"round": round})
	if q.announce != nil {
		q.announce(ExpiredMessage)
	}
}

func isDrawWord(text string) bool {
	for _, w := range drawWords {
		if text == w {
			return true
		}
	}
	return false
}

// roundSeconds rounds d to hundredths of a second.
func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}
