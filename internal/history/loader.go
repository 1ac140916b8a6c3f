// Package history loads paginated room history with an in-flight guard and
// bounded retries.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/metrics"
)

// Source is the storage query the loader pages through.
type Source interface {
	ListMessagesBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]domain.Message, error)
	MarkRead(ctx context.Context, roomID string, messageIDs []string, userID string, at time.Time) ([]string, error)
}

// Options configures a Loader.
type Options struct {
	PageSize     int
	Timeout      time.Duration // per attempt
	RetryBase    time.Duration
	RetryMax     time.Duration
	MaxAttempts  int
	GuardDelay   time.Duration
	MarkReadWait time.Duration
}

// DefaultOptions returns the production pagination settings.
func DefaultOptions() Options {
	return Options{
		PageSize:     30,
		Timeout:      10 * time.Second,
		RetryBase:    2 * time.Second,
		RetryMax:     10 * time.Second,
		MaxAttempts:  3,
		GuardDelay:   300 * time.Millisecond,
		MarkReadWait: 5 * time.Second,
	}
}

type key struct {
	roomID string
	userID string
}

// Loader serves history pages.
type Loader struct {
	source Source
	opts   Options
	logger *zap.Logger

	// sleep waits between attempts; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inFlight map[key]*time.Timer // a nil timer marks a running load
	retries  map[key]int
	wg       sync.WaitGroup
}

// NewLoader creates a history loader.
func NewLoader(source Source, opts Options, logger *zap.Logger) *Loader {
	def := DefaultOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = def.RetryMax
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.MarkReadWait <= 0 {
		opts.MarkReadWait = def.MarkReadWait
	}
	return &Loader{
		source:   source,
		opts:     opts,
		logger:   logger.Named("history"),
		sleep:    sleepContext,
		inFlight: make(map[key]*time.Timer),
		retries:  make(map[key]int),
	}
}

// Load returns the page of roomID strictly older than before (zero for the
// newest page) on behalf of userID. A load already running for the same
// (room, user) pair, or finished less than the guard delay ago, makes Load
// fail with ErrLoadInProgress. Exhausting the retry budget yields ErrLoadFailed.
func (l *Loader) Load(ctx context.Context, roomID, userID string, before time.Time) (domain.HistoryPage, error) {
	k := key{roomID: roomID, userID: userID}
	if !l.acquire(k) {
		metrics.HistoryLoads.WithLabelValues(metrics.OutcomeInProgress).Inc()
		return domain.HistoryPage{}, domain.NewError(domain.ErrLoadInProgress, "history is already loading")
	}
	defer l.release(k)

	for {
		page, err := l.attempt(ctx, roomID, before)
		if err == nil {
			l.resetRetries(k)
			metrics.HistoryLoads.WithLabelValues(metrics.OutcomeSuccess).Inc()
			l.markReadAsync(roomID, userID, page.Messages)
			return page, nil
		}

		attempts := l.recordFailure(k)
		if attempts >= l.opts.MaxAttempts || ctx.Err() != nil {
			l.resetRetries(k)
			metrics.HistoryLoads.WithLabelValues(metrics.OutcomeFailed).Inc()
			l.logger.Error("history load failed",
				zap.String("room_id", roomID), zap.String("user_id", userID),
				zap.Int("attempts", attempts), zap.Error(err))
			return domain.HistoryPage{}, &domain.Error{
				Code:    domain.CodeLoadFailed,
				Message: "failed to load messages, please try again",
				Err:     fmt.Errorf("%w: %v", domain.ErrLoadFailed, err),
			}
		}

		delay := l.backoff(attempts)
		metrics.HistoryLoads.WithLabelValues(metrics.OutcomeRetry).Inc()
		l.logger.Warn("history load attempt failed, retrying",
			zap.String("room_id", roomID), zap.String("user_id", userID),
			zap.Int("attempt", attempts), zap.Duration("delay", delay), zap.Error(err))
		if err := l.sleep(ctx, delay); err != nil {
			l.resetRetries(k)
			metrics.HistoryLoads.WithLabelValues(metrics.OutcomeFailed).Inc()
			return domain.HistoryPage{}, &domain.Error{
				Code:    domain.CodeLoadFailed,
				Message: "failed to load messages, please try again",
				Err:     fmt.Errorf("%w: %v", domain.ErrLoadFailed, err),
			}
		}
	}
}

// LoadPage fetches a page once, without the guard, retries or read markers.
// Used for the initial page delivered on join.
func (l *Loader) LoadPage(ctx context.Context, roomID string, before time.Time) (domain.HistoryPage, error) {
	return l.attempt(ctx, roomID, before)
}

// Clear drops the guard and retry state of a (room, user) pair.
func (l *Loader) Clear(roomID, userID string) {
	k := key{roomID: roomID, userID: userID}
	l.mu.Lock()
	defer l.mu.Unlock()
	if t := l.inFlight[k]; t != nil {
		t.Stop()
		delete(l.inFlight, k)
	}
	delete(l.retries, k)
}

// ClearUser drops the guard and retry state of every pair of userID.
func (l *Loader) ClearUser(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, t := range l.inFlight {
		if k.userID != userID {
			continue
		}
		if t != nil {
			t.Stop()
		}
		delete(l.inFlight, k)
	}
	for k := range l.retries {
		if k.userID == userID {
			delete(l.retries, k)
		}
	}
}

// Wait blocks until background read-marker updates have finished.
func (l *Loader) Wait() {
	l.wg.Wait()
}

func (l *Loader) attempt(ctx context.Context, roomID string, before time.Time) (domain.HistoryPage, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	limit := l.opts.PageSize
	rows, err := l.source.ListMessagesBefore(ctx, roomID, before, limit+1)
	if err != nil {
		return domain.HistoryPage{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.HistoryPage{}, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	messages := make([]domain.Message, len(rows))
	for i, m := range rows {
		messages[len(rows)-1-i] = m
	}

	page := domain.HistoryPage{Messages: messages, HasMore: hasMore}
	if len(messages) > 0 {
		oldest := messages[0].CreatedAt
		page.OldestTimestamp = &oldest
	}
	return page, nil
}

func (l *Loader) acquire(k key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[k]; busy {
		return false
	}
	l.inFlight[k] = nil
	return true
}

// release keeps the guard set for the trailing delay after a load finishes.
func (l *Loader) release(k key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inFlight[k]; !ok {
		return
	}
	if l.opts.GuardDelay <= 0 {
		delete(l.inFlight, k)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(l.opts.GuardDelay, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.inFlight[k] == t {
			delete(l.inFlight, k)
		}
	})
	l.inFlight[k] = t
}

func (l *Loader) recordFailure(k key) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retries[k]++
	return l.retries[k]
}

func (l *Loader) resetRetries(k key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.retries, k)
}

// backoff returns the delay before the attempt after the given failure count:
// base, 2*base, 4*base ... capped at RetryMax.
func (l *Loader) backoff(failures int) time.Duration {
	d := l.opts.RetryBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= l.opts.RetryMax {
			return l.opts.RetryMax
		}
	}
	if d > l.opts.RetryMax {
		return l.opts.RetryMax
	}
	return d
}

func (l *Loader) markReadAsync(roomID, userID string, messages []domain.Message) {
	if len(messages) == 0 {
		return
	}
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.MessageID)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.MarkReadWait)
		defer cancel()
		if _, err := l.source.MarkRead(ctx, roomID, ids, userID, domain.Now()); err != nil {
			l.logger.Warn("failed to mark history as read",
				zap.String("user_id", userID), zap.Int("messages", len(ids)), zap.Error(err))
		}
	}()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
