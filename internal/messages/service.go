package messages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// DefaultMaxPhotoBytes bounds decoded photo payloads when no limit is configured.
const DefaultMaxPhotoBytes int64 = 10 * 1000 * 1000

var (
	errMissingTable = errors.New("message table is required")
	errMissingBlobs = errors.New("blob store is required for photo uploads")
	errMissingID    = errors.New("message id is required")
	errMissingPhoto = errors.New("photo is required")
	// ErrPhotoTooLarge indicates a decoded photo above the configured limit.
	ErrPhotoTooLarge = errors.New("messages: photo too large")
	noOpLogger       = zap.NewNop()
)

// ServiceError carries a dotted code naming the failed operation and reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "messages.service.new"
	opCreate      = "messages.create"
	opAttachPhoto = "messages.attach_photo"
	opList        = "messages.list"

	reasonMissingTable  = "missing_table"
	reasonMissingFields = "missing_fields"
	reasonMissingID     = "missing_id"
	reasonMissingPhoto  = "missing_photo"
	reasonInvalidPhoto  = "invalid_photo"
	reasonPhotoTooLarge = "photo_too_large"
	reasonMissingBlobs  = "missing_blob_store"
	reasonUploadFailed  = "upload_failed"
	reasonPublicURL     = "public_url_failed"
	reasonInsertFailed  = "insert_failed"
	reasonUpdateFailed  = "update_failed"
	reasonNotFound      = "not_found"
	reasonQueryFailed   = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the stores behind the fallback endpoint.
type ServiceConfig struct {
	Table         Table
	Blobs         BlobStore
	Publisher     Publisher
	Clock         func() time.Time
	MaxPhotoBytes int64
	Logger        *zap.Logger
}

// Service performs server-mediated uploads and inserts on behalf of clients
// that cannot reach the persistence service directly.
type Service struct {
	table         Table
	blobs         BlobStore
	publisher     Publisher
	clock         func() time.Time
	maxPhotoBytes int64
	logger        *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Table == nil {
		return nil, newServiceError(opServiceNew, reasonMissingTable, errMissingTable)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxPhotoBytes := cfg.MaxPhotoBytes
	if maxPhotoBytes <= 0 {
		maxPhotoBytes = DefaultMaxPhotoBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		table:         cfg.Table,
		blobs:         cfg.Blobs,
		publisher:     cfg.Publisher,
		clock:         clock,
		maxPhotoBytes: maxPhotoBytes,
		logger:        logger,
	}, nil
}

// CreateRequest is the create form of POST /messages.
type CreateRequest struct {
	Name    string
	Message string
	Photo   string
}

// Create validates, uploads an embedded photo payload and inserts the row.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Message, error) {
	draft, err := NewDraft(request.Name, request.Message, "")
	if err != nil {
		return Message{}, newServiceError(opCreate, reasonMissingFields, err)
	}

	photo, err := s.resolvePhoto(ctx, opCreate, request.Photo)
	if err != nil {
		return Message{}, err
	}
	draft.Photo = photo

	created, err := s.table.Insert(ctx, draft)
	if err != nil {
		s.logError(opCreate, reasonInsertFailed, err)
		return Message{}, newServiceError(opCreate, reasonInsertFailed, err)
	}
	s.publish(created)
	return created, nil
}

// AttachPhoto sets the photo of an existing row. Embedded payloads are uploaded first.
func (s *Service) AttachPhoto(ctx context.Context, id ID, rawPhoto string) (Message, error) {
	if id.IsZero() {
		return Message{}, newServiceError(opAttachPhoto, reasonMissingID, errMissingID)
	}
	photo, err := s.resolvePhoto(ctx, opAttachPhoto, rawPhoto)
	if err != nil {
		return Message{}, err
	}
	if photo == "" {
		return Message{}, newServiceError(opAttachPhoto, reasonMissingPhoto, errMissingPhoto)
	}

	updated, err := s.table.UpdatePhoto(ctx, id, photo)
	if errors.Is(err, ErrNotFound) {
		return Message{}, newServiceError(opAttachPhoto, reasonNotFound, err)
	}
	if err != nil {
		s.logError(opAttachPhoto, reasonUpdateFailed, err, zap.String("message_id", id.String()))
		return Message{}, newServiceError(opAttachPhoto, reasonUpdateFailed, err)
	}
	s.publish(updated)
	return updated, nil
}

// List returns stored messages, newest first.
func (s *Service) List(ctx context.Context) ([]Message, error) {
	list, err := s.table.List(ctx)
	if err != nil {
		s.logError(opList, reasonQueryFailed, err)
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}
	if list == nil {
		list = []Message{}
	}
	return list, nil
}

func (s *Service) resolvePhoto(ctx context.Context, operation, rawPhoto string) (string, error) {
	ref, err := ParsePhotoRef(rawPhoto)
	if err != nil {
		return "", newServiceError(operation, reasonInvalidPhoto, err)
	}
	if ref.Kind() != PhotoPendingUpload {
		stored, _ := ref.Stored()
		return stored, nil
	}

	if size := int64(len(ref.Data())); size > s.maxPhotoBytes {
		return "", newServiceError(operation, reasonPhotoTooLarge,
			fmt.Errorf("%w: %s exceeds %s", ErrPhotoTooLarge, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(s.maxPhotoBytes))))
	}
	if s.blobs == nil {
		s.logError(operation, reasonMissingBlobs, errMissingBlobs)
		return "", newServiceError(operation, reasonMissingBlobs, errMissingBlobs)
	}

	key := NewPhotoKey(s.clock(), ExtensionForContentType(ref.MimeType()))
	if err := s.blobs.Upload(ctx, key, ref.Data(), ref.MimeType()); err != nil {
		s.logError(operation, reasonUploadFailed, err, zap.String("key", key))
		return "", newServiceError(operation, reasonUploadFailed, err)
	}
	publicURL, err := s.blobs.PublicURL(key)
	if err != nil {
		s.logError(operation, reasonPublicURL, err, zap.String("key", key))
		return "", newServiceError(operation, reasonPublicURL, err)
	}
	s.logger.Debug("photo uploaded",
		zap.String("key", key),
		zap.String("content_type", ref.MimeType()),
		zap.String("size", humanize.Bytes(uint64(len(ref.Data())))))
	return publicURL, nil
}

func (s *Service) publish(message Message) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(message)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("messages service error", attrs...)
}
