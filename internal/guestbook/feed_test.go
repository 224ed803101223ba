package guestbook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
)

type stubFetcher struct {
	mu    sync.Mutex
	list  []messages.Message
	err   error
	calls int
}

func (s *stubFetcher) Fetch(context.Context) ([]messages.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]messages.Message(nil), s.list...), nil
}

func (s *stubFetcher) set(list []messages.Message, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = list
	s.err = err
}

type stubChangeFeed struct {
	handler func(messages.Message)
	stopped bool
}

func (s *stubChangeFeed) Subscribe(_ context.Context, handler func(messages.Message)) (func(), error) {
	s.handler = handler
	return func() { s.stopped = true }, nil
}

type manualTimers struct {
	delays  []time.Duration
	pending []func()
}

func (m *manualTimers) after(delay time.Duration, fn func()) func() bool {
	m.delays = append(m.delays, delay)
	m.pending = append(m.pending, fn)
	return func() bool { return true }
}

func (m *manualTimers) fire() {
	pending := m.pending
	m.pending = nil
	for _, fn := range pending {
		fn()
	}
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *updateRecorder) record(update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *updateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func sampleMessage(id, name, body string, createdAt time.Time) messages.Message {
	return messages.Message{ID: messages.ID(id), Name: name, Body: body, CreatedAt: createdAt}
}

func newTestFeed(t *testing.T, source Fetcher, changes messages.ChangeFeed, photos PhotoResolver) (*Feed, *manualTimers) {
	t.Helper()
	feed, err := NewFeed(FeedConfig{Source: source, Changes: changes, Photos: photos})
	if err != nil {
		t.Fatalf("failed to build feed: %v", err)
	}
	timers := &manualTimers{}
	feed.after = timers.after
	t.Cleanup(feed.Close)
	return feed, timers
}

func TestNewFeedRequiresSource(t *testing.T) {
	if _, err := NewFeed(FeedConfig{}); !errors.Is(err, ErrMissingSource) {
		t.Fatalf("expected ErrMissingSource, got %v", err)
	}
}

func TestFeedStartLoadsServerOrder(t *testing.T) {
	t1, t2, t3 := testNow, testNow.Add(time.Minute), testNow.Add(2*time.Minute)
	source := &stubFetcher{list: []messages.Message{
		sampleMessage("3", "C", "third", t3),
		sampleMessage("2", "B", "second", t2),
		sampleMessage("1", "A", "first", t1),
	}}
	changes := &stubChangeFeed{}
	feed, _ := newTestFeed(t, source, changes, nil)

	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	list := feed.Messages()
	if len(list) != 3 || !list[0].CreatedAt.Equal(t3) || !list[1].CreatedAt.Equal(t2) || !list[2].CreatedAt.Equal(t1) {
		t.Fatalf("expected [T3, T2, T1], got %#v", list)
	}
	if changes.handler == nil {
		t.Fatal("expected the change feed to be subscribed")
	}
	feed.Close()
	if !changes.stopped {
		t.Fatal("expected close to stop the change feed")
	}
}

func TestFeedCollapsesNotifyAndPushWithSameID(t *testing.T) {
	changes := &stubChangeFeed{}
	feed, _ := newTestFeed(t, &stubFetcher{}, changes, nil)
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	row := sampleMessage("7", "Alice", "Congrats!", testNow)
	feed.Notify(row)
	changes.handler(row)

	if list := feed.Messages(); len(list) != 1 || list[0].ID != "7" {
		t.Fatalf("expected exactly one entry, got %#v", list)
	}
}

func TestFeedCollapsesContentMatchWithoutID(t *testing.T) {
	changes := &stubChangeFeed{}
	feed, _ := newTestFeed(t, &stubFetcher{}, changes, nil)
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	feed.Notify(sampleMessage("", "Alice", "Congrats!", time.Time{}))
	changes.handler(sampleMessage("12", "Alice", "Congrats!", testNow))

	list := feed.Messages()
	if len(list) != 1 || list[0].ID != "12" || !list[0].CreatedAt.Equal(testNow) {
		t.Fatalf("expected one entry carrying the stored id and time, got %#v", list)
	}

	changes.handler(sampleMessage("13", "Bob", "Congrats!", testNow.Add(time.Second)))
	if list := feed.Messages(); len(list) != 2 || list[0].Name != "Bob" {
		t.Fatalf("expected a distinct message to be prepended, got %#v", list)
	}
}

func TestFeedPlacesOutOfOrderPushesByCreatedAt(t *testing.T) {
	t1, t2, t3 := testNow, testNow.Add(time.Minute), testNow.Add(2*time.Minute)
	changes := &stubChangeFeed{}
	feed, _ := newTestFeed(t, &stubFetcher{}, changes, nil)
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	changes.handler(sampleMessage("1", "A", "first", t1))
	changes.handler(sampleMessage("3", "C", "third", t3))
	changes.handler(sampleMessage("2", "B", "second", t2))

	list := feed.Messages()
	if len(list) != 3 || list[0].ID != "3" || list[1].ID != "2" || list[2].ID != "1" {
		t.Fatalf("expected [3 2 1], got %#v", list)
	}
}

func TestFeedKeepsArrivalOrderForEqualTimestamps(t *testing.T) {
	changes := &stubChangeFeed{}
	feed, _ := newTestFeed(t, &stubFetcher{}, changes, nil)
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	changes.handler(sampleMessage("1", "A", "first", testNow))
	changes.handler(sampleMessage("2", "B", "second", testNow))
	feed.Notify(sampleMessage("", "C", "pending", time.Time{}))

	list := feed.Messages()
	if len(list) != 3 || list[0].Name != "C" || list[1].ID != "2" || list[2].ID != "1" {
		t.Fatalf("expected [C 2 1], got %#v", list)
	}
}

func TestFeedReplacesDuplicateThatGainsPhoto(t *testing.T) {
	feed, _ := newTestFeed(t, &stubFetcher{}, nil, nil)
	recorder := &updateRecorder{}
	feed.Subscribe(recorder.record)

	feed.Notify(sampleMessage("5", "Alice", "Congrats!", testNow))
	withPhoto := sampleMessage("5", "Alice", "Congrats!", testNow)
	withPhoto.Photo = "https://cdn.example.com/messages/5.png"
	feed.receive(withPhoto)

	list := feed.Messages()
	if len(list) != 1 || list[0].Photo != withPhoto.Photo {
		t.Fatalf("expected the photo to be attached in place, got %#v", list)
	}
	if recorder.count() != 2 {
		t.Fatalf("expected two updates, got %d", recorder.count())
	}

	feed.receive(sampleMessage("5", "Alice", "Congrats!", testNow))
	if recorder.count() != 2 || !feed.Messages()[0].HasPhoto() {
		t.Fatal("expected a photo-less duplicate to be ignored")
	}
}

func TestFeedNotifySchedulesSingleRefetch(t *testing.T) {
	source := &stubFetcher{}
	feed, timers := newTestFeed(t, source, nil, nil)

	feed.Notify(sampleMessage("1", "Alice", "Congrats!", testNow))
	feed.Notify(sampleMessage("2", "Bob", "Cheers!", testNow.Add(time.Second)))

	if len(timers.delays) != 1 || timers.delays[0] != time.Second {
		t.Fatalf("expected one re-fetch after 1s, got %v", timers.delays)
	}

	source.set([]messages.Message{
		sampleMessage("2", "Bob", "Cheers!", testNow.Add(time.Second)),
		sampleMessage("1", "Alice", "Congrats!", testNow),
	}, nil)
	timers.fire()

	if source.calls != 1 {
		t.Fatalf("expected exactly one fetch, got %d", source.calls)
	}
	feed.Notify(sampleMessage("3", "Carol", "Yay!", testNow.Add(2*time.Second)))
	if len(timers.delays) != 2 {
		t.Fatalf("expected a new re-fetch after the previous one ran, got %v", timers.delays)
	}
}

func TestFeedRefetchWithIdenticalStateIsInvisible(t *testing.T) {
	list := []messages.Message{
		sampleMessage("2", "Bob", "Cheers!", testNow.Add(time.Second)),
		sampleMessage("1", "Alice", "Congrats!", testNow),
	}
	source := &stubFetcher{list: list}
	feed, _ := newTestFeed(t, source, nil, nil)
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	recorder := &updateRecorder{}
	unsubscribe := feed.Subscribe(recorder.record)
	defer unsubscribe()

	if err := feed.Refetch(context.Background()); err != nil {
		t.Fatalf("refetch failed: %v", err)
	}
	if recorder.count() != 0 {
		t.Fatalf("expected no update for identical state, got %d", recorder.count())
	}
	if got := feed.Messages(); len(got) != 2 || got[0].ID != "2" || got[1].ID != "1" {
		t.Fatalf("expected unchanged order, got %#v", got)
	}
}

func TestFeedFetchErrorKeepsLastState(t *testing.T) {
	source := &stubFetcher{list: []messages.Message{sampleMessage("1", "Alice", "Congrats!", testNow)}}
	feed, _ := newTestFeed(t, source, nil, nil)
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	source.set(nil, errors.New("connection refused"))
	err := feed.Refetch(context.Background())

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if list := feed.Messages(); len(list) != 1 || list[0].ID != "1" {
		t.Fatalf("expected stale state to be kept, got %#v", list)
	}
}

func TestFeedUnsubscribeStopsUpdates(t *testing.T) {
	feed, _ := newTestFeed(t, &stubFetcher{}, nil, nil)
	recorder := &updateRecorder{}
	unsubscribe := feed.Subscribe(recorder.record)

	feed.Notify(sampleMessage("1", "Alice", "Congrats!", testNow))
	unsubscribe()
	unsubscribe()
	feed.Notify(sampleMessage("2", "Bob", "Cheers!", testNow))

	if recorder.count() != 1 {
		t.Fatalf("expected one update before unsubscribe, got %d", recorder.count())
	}
	if recorder.updates[0].Reason != UpdateNotified {
		t.Fatalf("unexpected update reason %q", recorder.updates[0].Reason)
	}
}

func TestFeedSnapshotMarksUnresolvablePhotos(t *testing.T) {
	resolver := PhotoResolverFunc(func(key string) (string, error) {
		if key == "messages/missing.png" {
			return "", errors.New("object not found")
		}
		return "https://cdn.example.com/" + key, nil
	})
	feed, _ := newTestFeed(t, &stubFetcher{list: []messages.Message{
		{ID: "5", Name: "E", Body: "bad key", Photo: "messages/missing.png"},
		{ID: "4", Name: "D", Body: "inline", Photo: "data:image/png;base64,AAAA"},
		{ID: "3", Name: "C", Body: "key", Photo: "messages/ok.png"},
		{ID: "2", Name: "B", Body: "url", Photo: "https://cdn.example.com/b.png"},
		{ID: "1", Name: "A", Body: "none"},
	}}, nil, resolver)
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	entries := feed.Snapshot()
	if len(entries) != 5 {
		t.Fatalf("expected every message to stay listed, got %d", len(entries))
	}
	expectations := []struct {
		url         string
		unavailable bool
	}{
		{unavailable: true},
		{unavailable: true},
		{url: "https://cdn.example.com/messages/ok.png"},
		{url: "https://cdn.example.com/b.png"},
		{},
	}
	for index, expected := range expectations {
		entry := entries[index]
		if entry.PhotoURL != expected.url || entry.PhotoUnavailable != expected.unavailable {
			t.Fatalf("entry %d (%s): got url %q unavailable %v", index, entry.Name, entry.PhotoURL, entry.PhotoUnavailable)
		}
	}
}

func TestFetchChainPrefersFirstNonEmptySource(t *testing.T) {
	empty := Source{Name: "remote_table", Fetcher: &stubFetcher{}}
	failing := Source{Name: "broken", Fetcher: &stubFetcher{err: errors.New("timeout")}}
	filled := Source{Name: "api", Fetcher: &stubFetcher{list: []messages.Message{sampleMessage("1", "A", "a", testNow)}}}

	list, err := FetchChain{empty, failing, filled}.Fetch(context.Background())
	if err != nil || len(list) != 1 {
		t.Fatalf("expected the api rows, got %v (%v)", list, err)
	}

	list, err = FetchChain{empty, failing}.Fetch(context.Background())
	if err != nil || list == nil || len(list) != 0 {
		t.Fatalf("expected an empty list when a source answered, got %v (%v)", list, err)
	}

	_, err = FetchChain{failing, failing}.Fetch(context.Background())
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError when every source failed, got %v", err)
	}
}

func TestSubmissionFlowsIntoFeedExactlyOnce(t *testing.T) {
	table := &fakeTable{}
	changes := &stubChangeFeed{}
	feed, _ := newTestFeed(t, FetchChain{TableSource(table)}, changes, nil)
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	controller, err := NewSubmissionController(Config{
		Remote:   &messages.Remote{Table: table, Blobs: &fakeBlobs{}, Feed: changes},
		Notifier: feed,
	})
	if err != nil {
		t.Fatalf("failed to build controller: %v", err)
	}

	row, err := controller.Submit(context.Background(), Submission{Name: "Alice", Message: "Congrats!"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	changes.handler(row)
	if err := feed.Refetch(context.Background()); err != nil {
		t.Fatalf("refetch failed: %v", err)
	}

	list := feed.Messages()
	if len(list) != 1 || list[0].ID != row.ID || list[0].CreatedAt.IsZero() {
		t.Fatalf("expected exactly one stored copy, got %#v", list)
	}
}
