// Package autosave buffers a student's per-question answer writes for one exam
// attempt and delivers them to the engine with coalescing, per-question rate
// limiting and retry. Values that cannot be delivered are kept in a durable
// fallback store until the caller retries or submits.
package autosave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StatePending State = "pending"
	StateSaving  State = "saving"
	StateSaved   State = "saved"
	StateFailed  State = "failed"
)

var (
	ErrClosed         = errors.New("autosave queue closed")
	ErrInvalidPayload = errors.New("answer payload must be valid json")
)

// Sender delivers one answer to the engine.
type Sender interface {
	SaveAnswer(ctx context.Context, questionID int64, payload json.RawMessage) error
}

// Fallback keeps undeliverable answers across process restarts.
type Fallback interface {
	Put(ctx context.Context, e Entry) error
	Remove(ctx context.Context, examID, questionID int64) error
	List(ctx context.Context, examID int64) ([]Entry, error)
}

type Entry struct {
	ID         string          `json:"id"`
	ExamID     int64           `json:"exam_id"`
	QuestionID int64           `json:"question_id"`
	Payload    json.RawMessage `json:"payload"`
	FailedAt   time.Time       `json:"failed_at"`
	LastError  string          `json:"last_error"`
}

type Options struct {
	ExamID      int64
	Interval    time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// OnChange is called outside the queue lock after every state change.
	OnChange func(questionID int64, state State, err error)
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

type item struct {
	state    State
	next     json.RawMessage // value waiting to be sent
	latest   json.RawMessage // last value the caller saved
	attempts int
	lastSent time.Time
	lastErr  error
	running  bool
	stored   bool // a copy sits in the fallback store
}

// FailedItem is an answer that exhausted its retries.
type FailedItem struct {
	QuestionID int64
	Payload    json.RawMessage
	Err        error
}

// Queue is owned by one exam-taking session. Create it when the attempt
// starts and Close it when the student leaves the exam.
type Queue struct {
	sender   Sender
	fallback Fallback
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	items   map[int64]*item
	changed chan struct{}
	closed  bool
}

// New builds a queue. fallback may be nil, in which case failed values only
// live in memory.
func New(sender Sender, fallback Fallback, opts Options) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sender:   sender,
		fallback: fallback,
		opts:     opts.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		items:    make(map[int64]*item),
		changed:  make(chan struct{}),
	}
}

// Save records the newest value for a question. A value saved while an
// earlier one is in flight replaces any value still waiting; only the last
// one is sent.
func (q *Queue) Save(questionID int64, payload json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	value := json.RawMessage(buf.Bytes())

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	it, ok := q.items[questionID]
	if !ok {
		it = &item{}
		q.items[questionID] = it
	}
	it.next = value
	it.latest = value
	it.attempts = 0
	it.lastErr = nil
	if it.state != StateSaving {
		it.state = StatePending
	}
	state := it.state
	q.startLocked(questionID, it)
	q.notifyLocked()
	q.mu.Unlock()

	q.emit(questionID, state, nil)
	return nil
}

// State reports the delivery state of a question, or "" if it was never saved.
func (q *Queue) State(questionID int64) State {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[questionID]; ok {
		return it.state
	}
	return ""
}

// Failed lists the answers that exhausted their retries in this session.
func (q *Queue) Failed() []FailedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []FailedItem
	for id, it := range q.items {
		if it.state == StateFailed {
			out = append(out, FailedItem{QuestionID: id, Payload: it.latest, Err: it.lastErr})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out
}

// Snapshot returns the last saved value for every question the queue has seen.
func (q *Queue) Snapshot() map[int64]json.RawMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[int64]json.RawMessage, len(q.items))
	for id, it := range q.items {
		out[id] = it.latest
	}
	return out
}

// RetryFailed re-enqueues failed answers, including the ones a previous
// process left in the fallback store. It returns how many were enqueued.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	var recovered []Entry
	if q.fallback != nil {
		entries, err := q.fallback.List(ctx, q.opts.ExamID)
		if err != nil {
			return 0, fmt.Errorf("list fallback: %w", err)
		}
		recovered = entries
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrClosed
	}
	var enqueued []int64
	for _, e := range recovered {
		if it, ok := q.items[e.QuestionID]; ok {
			it.stored = true
			continue
		}
		q.items[e.QuestionID] = &item{state: StateFailed, latest: e.Payload, stored: true}
	}
	for id, it := range q.items {
		if it.state != StateFailed {
			continue
		}
		it.state = StatePending
		it.next = it.latest
		it.attempts = 0
		it.lastErr = nil
		q.startLocked(id, it)
		enqueued = append(enqueued, id)
	}
	q.notifyLocked()
	q.mu.Unlock()

	for _, id := range enqueued {
		q.emit(id, StatePending, nil)
	}
	return len(enqueued), nil
}

// Drain blocks until no answer is pending or saving. Failed answers do not
// hold it up; check Failed afterwards.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		busy := false
		for _, it := range q.items {
			if it.state == StatePending || it.state == StateSaving {
				busy = true
				break
			}
		}
		changed := q.changed
		closed := q.closed
		q.mu.Unlock()
		if !busy {
			return nil
		}
		if closed {
			return ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Close stops all workers. Values not yet delivered are dropped unless they
// already reached the fallback store.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notifyLocked()
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) startLocked(questionID int64, it *item) {
	if it.running {
		return
	}
	it.running = true
	q.wg.Add(1)
	go q.run(questionID)
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) emit(questionID int64, state State, err error) {
	if q.opts.OnChange != nil {
		q.opts.OnChange(questionID, state, err)
	}
}

// run is the single worker for one question. It exits when nothing is
// waiting to be sent.
func (q *Queue) run(questionID int64) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		it := q.items[questionID]
		if it.next == nil || q.closed {
			it.running = false
			q.mu.Unlock()
			return
		}
		if wait := time.Until(it.lastSent.Add(q.opts.Interval)); wait > 0 {
			q.mu.Unlock()
			if !q.sleep(wait) {
				q.stop(questionID)
				return
			}
			continue
		}
		payload := it.next
		it.next = nil
		it.state = StateSaving
		it.lastSent = time.Now()
		q.notifyLocked()
		q.mu.Unlock()
		q.emit(questionID, StateSaving, nil)

		err := q.sender.SaveAnswer(q.ctx, questionID, payload)

		q.mu.Lock()
		switch {
		case err == nil:
			stored := it.stored
			it.stored = false
			q.mu.Unlock()
			if stored {
				q.forget(questionID)
			}

			q.mu.Lock()
			it.attempts = 0
			it.lastErr = nil
			it.state = StateSaved
			if it.next != nil {
				it.state = StatePending
			}
			state := it.state
			q.notifyLocked()
			q.mu.Unlock()
			q.emit(questionID, state, nil)

		case it.next != nil:
			// a newer value supersedes the one that failed
			it.attempts = 0
			it.state = StatePending
			q.notifyLocked()
			q.mu.Unlock()
			q.emit(questionID, StatePending, err)

		case q.ctx.Err() != nil:
			it.next = payload
			it.running = false
			q.mu.Unlock()
			return

		case Retryable(err) && it.attempts < q.opts.MaxRetries:
			it.attempts++
			it.next = payload
			it.lastErr = err
			it.state = StatePending
			backoff := q.backoff(it.attempts)
			q.notifyLocked()
			q.mu.Unlock()
			q.emit(questionID, StatePending, err)
			if !q.sleep(backoff) {
				q.stop(questionID)
				return
			}

		default:
			// stay in saving until the fallback write lands
			q.mu.Unlock()
			stored := q.persist(questionID, payload, err)

			q.mu.Lock()
			it.lastErr = err
			it.attempts = 0
			it.stored = it.stored || stored
			state := StateFailed
			if it.next != nil {
				state = StatePending
			}
			it.state = state
			q.notifyLocked()
			q.mu.Unlock()
			q.emit(questionID, state, err)
		}
	}
}

func (q *Queue) stop(questionID int64) {
	q.mu.Lock()
	q.items[questionID].running = false
	q.mu.Unlock()
}

func (q *Queue) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoff returns BaseBackoff * 2^(attempt-1), capped at MaxBackoff.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	if d > q.opts.MaxBackoff {
		return q.opts.MaxBackoff
	}
	return d
}

func (q *Queue) persist(questionID int64, payload json.RawMessage, cause error) bool {
	if q.fallback == nil {
		return false
	}
	e := Entry{
		ID:         uuid.NewString(),
		ExamID:     q.opts.ExamID,
		QuestionID: questionID,
		Payload:    payload,
		FailedAt:   time.Now(),
		LastError:  cause.Error(),
	}
	if err := q.fallback.Put(context.Background(), e); err != nil {
		log.Printf("autosave: keep exam=%d question=%d in fallback: %v", q.opts.ExamID, questionID, err)
		return false
	}
	return true
}

func (q *Queue) forget(questionID int64) {
	if q.fallback == nil {
		return
	}
	if err := q.fallback.Remove(context.Background(), q.opts.ExamID, questionID); err != nil {
		log.Printf("autosave: clear fallback exam=%d question=%d: %v", q.opts.ExamID, questionID, err)
	}
}
