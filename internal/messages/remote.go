package messages

import (
	"context"
	"errors"
)

// ErrBlobExists indicates an upload targeting a key that is already taken. Uploads never overwrite.
var ErrBlobExists = errors.New("messages: blob already exists")

// Table is the row store holding guestbook messages.
type Table interface {
	Insert(ctx context.Context, draft Draft) (Message, error)
	UpdatePhoto(ctx context.Context, id ID, photo string) (Message, error)
	// List returns all messages, newest first.
	List(ctx context.Context) ([]Message, error)
}

// BlobStore keeps photo bytes and exposes them under public URLs.
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	PublicURL(key string) (string, error)
}

// ChangeFeed pushes newly stored rows to subscribers until stop is called or ctx ends.
type ChangeFeed interface {
	Subscribe(ctx context.Context, handler func(Message)) (stop func(), err error)
}

// Publisher receives rows accepted by a store so they can be fanned out.
type Publisher interface {
	Publish(message Message)
}

// Remote bundles the capabilities of a configured persistence service.
type Remote struct {
	Table Table
	Blobs BlobStore
	Feed  ChangeFeed
}
