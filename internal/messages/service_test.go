package messages

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type memoryTable struct {
	mu       sync.Mutex
	rows     []Message
	nextID   int64
	clock    func() time.Time
	failWith error
	inserts  int
}

func newMemoryTable() *memoryTable {
	return &memoryTable{clock: func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }}
}

func (t *memoryTable) Insert(_ context.Context, draft Draft) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inserts++
	if t.failWith != nil {
		return Message{}, t.failWith
	}
	t.nextID++
	row := Message{ID: IDFromInt64(t.nextID), Name: draft.Name, Body: draft.Body, Photo: draft.Photo, CreatedAt: t.clock().Add(time.Duration(t.nextID) * time.Second)}
	t.rows = append(t.rows, row)
	return row, nil
}

func (t *memoryTable) UpdatePhoto(_ context.Context, id ID, photo string) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for index := range t.rows {
		if t.rows[index].ID == id {
			t.rows[index].Photo = photo
			return t.rows[index], nil
		}
	}
	return Message{}, ErrNotFound
}

func (t *memoryTable) List(_ context.Context) ([]Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return nil, t.failWith
	}
	list := append([]Message(nil), t.rows...)
	SortNewestFirst(list)
	return list, nil
}

type memoryBlobs struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failWith error
}

func (b *memoryBlobs) Upload(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	if _, exists := b.objects[key]; exists {
		return ErrBlobExists
	}
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *memoryBlobs) PublicURL(key string) (string, error) {
	return "https://cdn.example.com/" + key, nil
}

type recordingPublisher struct {
	published []Message
}

func (p *recordingPublisher) Publish(message Message) {
	p.published = append(p.published, message)
}

func newTestService(testContext *testing.T, table Table, blobs BlobStore, publisher Publisher) *Service {
	testContext.Helper()
	service, err := NewService(ServiceConfig{Table: table, Blobs: blobs, Publisher: publisher, MaxPhotoBytes: 1024})
	if err != nil {
		testContext.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestNewServiceRequiresTable(testContext *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "messages.service.new.missing_table" {
		testContext.Fatalf("expected missing table error, got %v", err)
	}
}

func TestCreateRejectsMissingFieldsWithoutStoreAccess(testContext *testing.T) {
	table := newMemoryTable()
	service := newTestService(testContext, table, &memoryBlobs{}, nil)

	_, err := service.Create(context.Background(), CreateRequest{Name: "Alice"})
	if !errors.Is(err, ErrMissingMessage) {
		testContext.Fatalf("expected ErrMissingMessage, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "messages.create.missing_fields" {
		testContext.Fatalf("unexpected error code: %v", err)
	}
	if table.inserts != 0 {
		testContext.Fatalf("expected no inserts, got %d", table.inserts)
	}
}

func TestCreateUploadsEmbeddedPhotoAndPublishes(testContext *testing.T) {
	table := newMemoryTable()
	blobs := &memoryBlobs{}
	publisher := &recordingPublisher{}
	service := newTestService(testContext, table, blobs, publisher)

	created, err := service.Create(context.Background(), CreateRequest{
		Name:    "Alice",
		Message: "Congrats!",
		Photo:   EncodeDataURI(pngHeader, "image/png"),
	})
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(created.Photo, "https://cdn.example.com/messages/") || !strings.HasSuffix(created.Photo, ".png") {
		testContext.Fatalf("expected uploaded public url, got %q", created.Photo)
	}
	if len(blobs.objects) != 1 {
		testContext.Fatalf("expected one uploaded object, got %d", len(blobs.objects))
	}
	if len(publisher.published) != 1 || publisher.published[0].ID != created.ID {
		testContext.Fatalf("expected created row to be published, got %#v", publisher.published)
	}
}

func TestCreateKeepsURLPhotosWithoutUpload(testContext *testing.T) {
	blobs := &memoryBlobs{}
	service := newTestService(testContext, newMemoryTable(), blobs, nil)

	created, err := service.Create(context.Background(), CreateRequest{Name: "Bob", Message: "Cheers", Photo: "https://example.com/p.jpg"})
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if created.Photo != "https://example.com/p.jpg" || len(blobs.objects) != 0 {
		testContext.Fatalf("expected url to pass through, got %q", created.Photo)
	}
}

func TestCreateFailsWithoutPartialCommitWhenUploadFails(testContext *testing.T) {
	table := newMemoryTable()
	service := newTestService(testContext, table, &memoryBlobs{failWith: errors.New("bucket offline")}, nil)

	_, err := service.Create(context.Background(), CreateRequest{Name: "Alice", Message: "Congrats!", Photo: EncodeDataURI(pngHeader, "image/png")})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "messages.create.upload_failed" {
		testContext.Fatalf("expected upload failure, got %v", err)
	}
	if table.inserts != 0 {
		testContext.Fatalf("row must not be inserted when the photo upload fails")
	}
}

func TestCreateRejectsOversizedAndMalformedPhotos(testContext *testing.T) {
	service := newTestService(testContext, newMemoryTable(), &memoryBlobs{}, nil)

	_, err := service.Create(context.Background(), CreateRequest{Name: "A", Message: "B", Photo: EncodeDataURI(make([]byte, 2048), "image/png")})
	if !errors.Is(err, ErrPhotoTooLarge) {
		testContext.Fatalf("expected ErrPhotoTooLarge, got %v", err)
	}
	_, err = service.Create(context.Background(), CreateRequest{Name: "A", Message: "B", Photo: "data:image/png;base64,@@"})
	if !errors.Is(err, ErrInvalidDataURI) {
		testContext.Fatalf("expected ErrInvalidDataURI, got %v", err)
	}
}

func TestAttachPhotoUpdatesExistingRow(testContext *testing.T) {
	table := newMemoryTable()
	service := newTestService(testContext, table, &memoryBlobs{}, nil)
	created, err := service.Create(context.Background(), CreateRequest{Name: "Alice", Message: "Congrats!"})
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}

	updated, err := service.AttachPhoto(context.Background(), created.ID, EncodeDataURI(pngHeader, "image/png"))
	if err != nil {
		testContext.Fatalf("unexpected attach error: %v", err)
	}
	if updated.ID != created.ID || !updated.HasPhoto() {
		testContext.Fatalf("expected photo to be attached, got %#v", updated)
	}

	_, err = service.AttachPhoto(context.Background(), "999", "https://example.com/p.jpg")
	if !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListWrapsQueryFailures(testContext *testing.T) {
	table := newMemoryTable()
	table.failWith = errors.New("connection refused")
	service := newTestService(testContext, table, nil, nil)

	_, err := service.List(context.Background())
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "messages.list.query_failed" {
		testContext.Fatalf("expected query failure, got %v", err)
	}
}
