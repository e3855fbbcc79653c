// Package feedback records customer ratings submitted through the assistant.
package feedback

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	logx "github.com/tanpawarit/pharmacy-assistant/pkg/logger"
)

const (
	MinRating = 1
	MaxRating = 5
)

var ErrInvalidRating = errors.New("rating must be 1-5")

type Entry struct {
	ID        string    `json:"feedback_id"`
	UserID    string    `json:"user_id,omitempty"`
	Rating    int       `json:"rating"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type Option func(*Log)

func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Log) {
		l.log = logger
	}
}

// Log is an append-only, in-memory feedback store. Ids are sequential:
// fb0001, fb0002, ...
type Log struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
	log     zerolog.Logger
}

func NewLog(opts ...Option) *Log {
	l := &Log{
		now: time.Now,
		log: logx.Component("feedback"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Log) Submit(userID string, rating int, message string) (Entry, error) {
	if rating < MinRating || rating > MaxRating {
		return Entry{}, fmt.Errorf("%w: got %d", ErrInvalidRating, rating)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		ID:        fmt.Sprintf("fb%04d", len(l.entries)+1),
		UserID:    strings.TrimSpace(userID),
		Rating:    rating,
		Message:   message,
		CreatedAt: l.now().UTC(),
	}
	l.entries = append(l.entries, entry)

	l.log.Info().
		Str("feedback_id", entry.ID).
		Str("user_id", entry.UserID).
		Int("rating", rating).
		Msg("feedback recorded")
	return entry, nil
}

// Entries returns a copy of everything submitted so far, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
