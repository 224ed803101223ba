package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
)

const createdAtLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	errMissingPath = errors.New("localstore: data file path is required")
	// ErrCorruptFile indicates a data file that is not a JSON array of messages.
	ErrCorruptFile = errors.New("localstore: data file is not a message array")
)

// fileRecord is the on-disk shape of one message.
type fileRecord struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	Photo     string `json:"photo,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (r fileRecord) toMessage() messages.Message {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		createdAt = time.Time{}
	}
	return messages.Message{
		ID:        messages.IDFromInt64(r.ID),
		Name:      r.Name,
		Body:      r.Message,
		Photo:     r.Photo,
		CreatedAt: createdAt.UTC(),
	}
}

// JSONFileConfig locates the data file.
type JSONFileConfig struct {
	Path  string
	Clock func() time.Time
}

// JSONFile is a messages.Table persisted as a single JSON array in insertion order.
// Every write replaces the file atomically.
type JSONFile struct {
	path  string
	clock func() time.Time
	mu    sync.Mutex
}

// NewJSONFile constructs the store. The file is created lazily on first append.
func NewJSONFile(cfg JSONFileConfig) (*JSONFile, error) {
	if cfg.Path == "" {
		return nil, errMissingPath
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &JSONFile{path: cfg.Path, clock: clock}, nil
}

// Path returns the data file location.
func (f *JSONFile) Path() string {
	return f.path
}

// Insert appends a message with a millisecond timestamp id that is strictly increasing.
func (f *JSONFile) Insert(_ context.Context, draft messages.Draft) (messages.Message, error) {
	if err := draft.Validate(); err != nil {
		return messages.Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.read()
	if err != nil {
		return messages.Message{}, err
	}

	now := f.clock().UTC()
	id := now.UnixMilli()
	for _, record := range records {
		if record.ID >= id {
			id = record.ID + 1
		}
	}

	record := fileRecord{
		ID:        id,
		Name:      draft.Name,
		Message:   draft.Body,
		Photo:     draft.Photo,
		CreatedAt: now.Format(createdAtLayout),
	}
	records = append(records, record)
	if err := f.write(records); err != nil {
		return messages.Message{}, err
	}
	return record.toMessage(), nil
}

// UpdatePhoto sets the photo of the record with the given id.
func (f *JSONFile) UpdatePhoto(_ context.Context, id messages.ID, photo string) (messages.Message, error) {
	numericID, err := id.Int64()
	if err != nil {
		return messages.Message{}, fmt.Errorf("%w: %v", messages.ErrNotFound, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.read()
	if err != nil {
		return messages.Message{}, err
	}
	for index := range records {
		if records[index].ID != numericID {
			continue
		}
		records[index].Photo = photo
		if err := f.write(records); err != nil {
			return messages.Message{}, err
		}
		return records[index].toMessage(), nil
	}
	return messages.Message{}, messages.ErrNotFound
}

// List returns messages in reverse insertion order.
func (f *JSONFile) List(_ context.Context) ([]messages.Message, error) {
	f.mu.Lock()
	records, err := f.read()
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	list := make([]messages.Message, 0, len(records))
	for index := len(records) - 1; index >= 0; index-- {
		list = append(list, records[index].toMessage())
	}
	return list, nil
}

func (f *JSONFile) read() ([]fileRecord, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var records []fileRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return records, nil
}

func (f *JSONFile) write(records []fileRecord) error {
	directory := filepath.Dir(f.path)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	temporary, err := os.CreateTemp(directory, ".messages-*.json")
	if err != nil {
		return err
	}
	temporaryPath := temporary.Name()
	defer os.Remove(temporaryPath) //nolint:errcheck

	if _, err := temporary.Write(payload); err != nil {
		temporary.Close() //nolint:errcheck
		return err
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close() //nolint:errcheck
		return err
	}
	if err := temporary.Close(); err != nil {
		return err
	}
	return os.Rename(temporaryPath, f.path)
}
