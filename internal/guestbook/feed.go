package guestbook

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
	"go.uber.org/zap"
)

const defaultRefetchDelay = time.Second

const (
	UpdateFetched  = "fetched"
	UpdateNotified = "notified"
	UpdatePushed   = "pushed"
)

var ErrMissingSource = errors.New("guestbook: feed source is required")

// PhotoResolver turns a stored photo key into a loadable URL.
type PhotoResolver interface {
	PublicURL(key string) (string, error)
}

type PhotoResolverFunc func(key string) (string, error)

func (f PhotoResolverFunc) PublicURL(key string) (string, error) {
	return f(key)
}

// Update is delivered to feed listeners after every visible change of the display list.
type Update struct {
	Reason   string
	Messages []messages.Message
}

// Entry is a display-ready message.
type Entry struct {
	messages.Message
	PhotoURL         string
	PhotoUnavailable bool
}

type FeedConfig struct {
	Source       Fetcher
	Changes      messages.ChangeFeed
	Photos       PhotoResolver
	RefetchDelay time.Duration
	Logger       *zap.Logger
}

// Feed merges optimistic notifications, change-feed pushes and full re-fetches into one
// de-duplicated display list.
type Feed struct {
	source  Fetcher
	changes messages.ChangeFeed
	photos  PhotoResolver
	delay   time.Duration
	logger  *zap.Logger
	after   func(time.Duration, func()) func() bool

	mu             sync.Mutex
	ctx            context.Context
	list           []messages.Message
	listeners      map[int]func(Update)
	nextListener   int
	refetchPending bool
	cancelRefetch  func() bool
	stopChanges    func()
}

func NewFeed(cfg FeedConfig) (*Feed, error) {
	if cfg.Source == nil {
		return nil, ErrMissingSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := cfg.RefetchDelay
	if delay <= 0 {
		delay = defaultRefetchDelay
	}
	return &Feed{
		source:    cfg.Source,
		changes:   cfg.Changes,
		photos:    cfg.Photos,
		delay:     delay,
		logger:    logger,
		after:     afterFunc,
		ctx:       context.Background(),
		list:      []messages.Message{},
		listeners: make(map[int]func(Update)),
	}, nil
}

func afterFunc(delay time.Duration, fn func()) func() bool {
	return time.AfterFunc(delay, fn).Stop
}

// Start loads the initial list and subscribes to the change feed. A failed initial fetch is
// logged and leaves the list as it was.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()

	_ = f.Refetch(ctx)

	if f.changes == nil {
		return nil
	}
	stop, err := f.changes.Subscribe(ctx, f.receive)
	if err != nil {
		f.logger.Warn(
			"change feed unavailable",
			zap.String("operation", "subscribe"),
			zap.String("reason", "change_feed_failed"),
			zap.Error(err),
		)
		return err
	}
	f.mu.Lock()
	f.stopChanges = stop
	f.mu.Unlock()
	return nil
}

// Close ends the change-feed subscription and drops a pending re-fetch.
func (f *Feed) Close() {
	f.mu.Lock()
	stop := f.stopChanges
	f.stopChanges = nil
	cancelRefetch := f.cancelRefetch
	f.cancelRefetch = nil
	f.refetchPending = false
	f.mu.Unlock()

	if cancelRefetch != nil {
		cancelRefetch()
	}
	if stop != nil {
		stop()
	}
}

// Notify records a locally submitted row and schedules one re-fetch. Notifications that arrive
// while a re-fetch is pending share it.
func (f *Feed) Notify(message messages.Message) {
	f.merge(message, UpdateNotified)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refetchPending {
		return
	}
	f.refetchPending = true
	f.cancelRefetch = f.after(f.delay, f.scheduledRefetch)
}

func (f *Feed) scheduledRefetch() {
	f.mu.Lock()
	if !f.refetchPending {
		f.mu.Unlock()
		return
	}
	f.refetchPending = false
	f.cancelRefetch = nil
	ctx := f.ctx
	f.mu.Unlock()

	_ = f.Refetch(ctx)
}

func (f *Feed) receive(message messages.Message) {
	f.merge(message, UpdatePushed)
}

// Refetch replaces the list with the source's current order. An identical result is not
// reported to listeners.
func (f *Feed) Refetch(ctx context.Context) error {
	list, err := f.source.Fetch(ctx)
	if err != nil {
		var fetchErr *FetchError
		if !errors.As(err, &fetchErr) {
			err = &FetchError{Err: err}
		}
		f.logger.Warn(
			"message fetch failed",
			zap.String("operation", "fetch"),
			zap.String("reason", "source_unavailable"),
			zap.Error(err),
		)
		return err
	}
	if list == nil {
		list = []messages.Message{}
	}

	f.mu.Lock()
	if sameList(f.list, list) {
		f.mu.Unlock()
		return nil
	}
	f.list = append([]messages.Message(nil), list...)
	update, listeners := f.updateLocked(UpdateFetched)
	f.mu.Unlock()

	deliver(listeners, update)
	return nil
}

// merge inserts a row before the first entry that is not newer than it, so equal timestamps keep
// arrival order. A known duplicate only fills in what the existing entry lacks: a photo, an id or
// a created_at.
func (f *Feed) merge(message messages.Message, reason string) {
	f.mu.Lock()
	for index, existing := range f.list {
		if !messages.Same(existing, message) {
			continue
		}
		merged := existing
		if !existing.HasPhoto() && message.HasPhoto() {
			merged.Photo = message.Photo
		}
		if merged.ID.IsZero() {
			merged.ID = message.ID
		}
		if merged.CreatedAt.IsZero() {
			merged.CreatedAt = message.CreatedAt
		}
		if merged.Photo == existing.Photo && merged.ID == existing.ID && merged.CreatedAt.Equal(existing.CreatedAt) {
			f.mu.Unlock()
			return
		}
		if merged.CreatedAt.Equal(existing.CreatedAt) {
			list := append([]messages.Message(nil), f.list...)
			list[index] = merged
			f.list = list
		} else {
			list := make([]messages.Message, 0, len(f.list))
			list = append(list, f.list[:index]...)
			f.list = insertSorted(append(list, f.list[index+1:]...), merged)
		}
		update, listeners := f.updateLocked(reason)
		f.mu.Unlock()
		deliver(listeners, update)
		return
	}

	f.list = insertSorted(f.list, message)
	update, listeners := f.updateLocked(reason)
	f.mu.Unlock()

	deliver(listeners, update)
}

func insertSorted(list []messages.Message, message messages.Message) []messages.Message {
	position := len(list)
	for index, existing := range list {
		if !messages.Newer(existing.CreatedAt, message.CreatedAt) {
			position = index
			break
		}
	}
	merged := make([]messages.Message, 0, len(list)+1)
	merged = append(merged, list[:position]...)
	merged = append(merged, message)
	return append(merged, list[position:]...)
}

func (f *Feed) updateLocked(reason string) (Update, []func(Update)) {
	update := Update{Reason: reason, Messages: append([]messages.Message(nil), f.list...)}
	listeners := make([]func(Update), 0, len(f.listeners))
	for _, listener := range f.listeners {
		listeners = append(listeners, listener)
	}
	return update, listeners
}

func deliver(listeners []func(Update), update Update) {
	for _, listener := range listeners {
		listener(update)
	}
}

// Subscribe registers a listener for display list changes.
func (f *Feed) Subscribe(listener func(Update)) func() {
	if listener == nil {
		return func() {}
	}
	f.mu.Lock()
	id := f.nextListener
	f.nextListener++
	f.listeners[id] = listener
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			f.mu.Unlock()
		})
	}
}

// Messages returns a copy of the current list.
func (f *Feed) Messages() []messages.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messages.Message(nil), f.list...)
}

// Snapshot returns display entries. Photos that cannot be turned into a loadable URL are marked
// unavailable; the message itself always stays.
func (f *Feed) Snapshot() []Entry {
	list := f.Messages()
	entries := make([]Entry, 0, len(list))
	for _, message := range list {
		entries = append(entries, f.entry(message))
	}
	return entries
}

func (f *Feed) entry(message messages.Message) Entry {
	entry := Entry{Message: message}
	photo := strings.TrimSpace(message.Photo)
	switch {
	case photo == "":
	case messages.IsURL(photo):
		entry.PhotoURL = photo
	case strings.HasPrefix(photo, "data:"):
		entry.PhotoUnavailable = true
	case f.photos == nil:
		entry.PhotoUnavailable = true
	default:
		resolved, err := f.photos.PublicURL(photo)
		if err != nil || strings.TrimSpace(resolved) == "" {
			f.logger.Debug(
				"photo unavailable",
				zap.String("message_id", message.ID.String()),
				zap.Error(err),
			)
			entry.PhotoUnavailable = true
			break
		}
		entry.PhotoURL = resolved
	}
	return entry
}

func sameList(left, right []messages.Message) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		a, b := left[index], right[index]
		if a.ID != b.ID || a.Name != b.Name || a.Body != b.Body || a.Photo != b.Photo || !a.CreatedAt.Equal(b.CreatedAt) {
			return false
		}
	}
	return true
}
