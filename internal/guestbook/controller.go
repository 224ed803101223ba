package guestbook

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
	"go.uber.org/zap"
)

const (
	// EventMessagesUpdated names the local notification fired after every successful submission.
	EventMessagesUpdated = "messages:updated"

	StrategyDirect   = "direct"
	StrategyFallback = "fallback"

	defaultSubmitTimeout = 20 * time.Second
)

var ErrNoStrategy = errors.New("guestbook: neither a remote service nor a fallback api is configured")

// Notifier receives every successfully stored row exactly once.
type Notifier interface {
	Notify(message messages.Message)
}

// PhotoFile is a photo picked by the guest.
type PhotoFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// Submission is the raw form input.
type Submission struct {
	Name    string
	Message string
	Photo   *PhotoFile
}

type Config struct {
	Remote   *messages.Remote
	API      FallbackAPI
	Notifier Notifier
	Logger   *zap.Logger
	Clock    func() time.Time
	Timeout  time.Duration
}

// SubmissionController validates guest input and stores it through the configured strategies.
type SubmissionController struct {
	remote     *messages.Remote
	api        FallbackAPI
	notifier   Notifier
	logger     *zap.Logger
	clock      func() time.Time
	timeout    time.Duration
	strategies []string
}

func NewSubmissionController(cfg Config) (*SubmissionController, error) {
	remote := cfg.Remote
	if remote != nil && remote.Table == nil {
		remote = nil
	}
	strategies := make([]string, 0, 2)
	if remote != nil {
		strategies = append(strategies, StrategyDirect)
	}
	if cfg.API != nil {
		strategies = append(strategies, StrategyFallback)
	}
	if len(strategies) == 0 {
		return nil, ErrNoStrategy
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	return &SubmissionController{
		remote:     remote,
		api:        cfg.API,
		notifier:   cfg.Notifier,
		logger:     logger,
		clock:      clock,
		timeout:    timeout,
		strategies: strategies,
	}, nil
}

// Strategies returns the persistence strategies in the order they are attempted.
func (c *SubmissionController) Strategies() []string {
	return append([]string(nil), c.strategies...)
}

// Submit stores one guestbook message. Failures other than validation surface as *SubmissionError.
func (c *SubmissionController) Submit(ctx context.Context, submission Submission) (messages.Message, error) {
	draft, err := messages.NewDraft(submission.Name, submission.Message, "")
	if err != nil {
		return messages.Message{}, &ValidationError{Err: err}
	}

	photo := messages.NoPhoto()
	if submission.Photo != nil && len(submission.Photo.Data) > 0 {
		photo = messages.PendingPhoto(submission.Photo.Data, submission.Photo.ContentType)
	}

	var causes []error
	for _, strategy := range c.strategies {
		var (
			row        messages.Message
			attemptErr error
		)
		switch strategy {
		case StrategyDirect:
			row, photo, attemptErr = c.submitDirect(ctx, draft, photo, submission.Photo)
		case StrategyFallback:
			row, attemptErr = c.submitFallback(ctx, draft, photo)
		}
		if attemptErr != nil {
			causes = append(causes, &InsertError{Strategy: strategy, Err: attemptErr})
			continue
		}
		if c.notifier != nil {
			c.notifier.Notify(row)
		}
		return row, nil
	}

	submissionErr := &SubmissionError{Causes: causes}
	c.logger.Error(
		"message submission failed",
		zap.String("operation", "submit"),
		zap.String("reason", "all_strategies_failed"),
		zap.String("detail", submissionErr.Detail()),
	)
	return messages.Message{}, submissionErr
}

// submitDirect uploads the photo and inserts the row through the remote service. The returned
// photo reference is what a later strategy should carry: the hosted URL on upload success or the
// retained bytes on upload failure.
func (c *SubmissionController) submitDirect(ctx context.Context, draft messages.Draft, photo messages.PhotoRef, file *PhotoFile) (messages.Message, messages.PhotoRef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if photo.Kind() == messages.PhotoPendingUpload && c.remote.Blobs != nil {
		uploaded, err := c.upload(ctx, photo, file)
		if err != nil {
			c.logger.Warn(
				"photo upload failed",
				zap.String("operation", "upload_photo"),
				zap.String("reason", "blob_store_rejected"),
				zap.Error(err),
			)
		} else {
			photo = uploaded
		}
	}

	if photo.Kind() == messages.PhotoURL {
		draft.Photo = photo.Value()
	}
	row, err := c.remote.Table.Insert(ctx, draft)
	if err != nil {
		return messages.Message{}, photo, err
	}
	if !row.HasPhoto() && photo.Kind() != messages.PhotoAbsent {
		row = c.attachPhoto(ctx, row, photo)
	}
	return row, photo, nil
}

func (c *SubmissionController) upload(ctx context.Context, photo messages.PhotoRef, file *PhotoFile) (messages.PhotoRef, error) {
	fileName := ""
	if file != nil {
		fileName = file.Name
	}
	key := messages.NewPhotoKey(c.clock(), messages.ExtensionFor(fileName, photo.MimeType()))
	if err := c.remote.Blobs.Upload(ctx, key, photo.Data(), photo.MimeType()); err != nil {
		return photo, &UploadError{Key: key, Err: err}
	}
	publicURL, err := c.remote.Blobs.PublicURL(key)
	if err != nil {
		return photo, &UploadError{Key: key, Err: err}
	}
	return messages.PhotoFromURL(publicURL), nil
}

// attachPhoto is best effort: on failure the inserted row is returned unchanged.
func (c *SubmissionController) attachPhoto(ctx context.Context, row messages.Message, photo messages.PhotoRef) messages.Message {
	if c.api == nil || row.ID.IsZero() {
		return row
	}
	payload := photoPayload(photo)
	if payload == "" {
		return row
	}
	updated, err := c.api.AttachPhoto(ctx, row.ID, payload)
	if err != nil {
		warning := &ReconciliationWarning{Err: err}
		c.logger.Warn(
			"photo attach failed",
			zap.String("operation", "attach_photo"),
			zap.String("reason", "reconciliation_failed"),
			zap.String("message_id", row.ID.String()),
			zap.Error(warning),
		)
		return row
	}
	if updated.ID.IsZero() {
		updated.ID = row.ID
	}
	if updated.CreatedAt.IsZero() {
		updated.CreatedAt = row.CreatedAt
	}
	return updated
}

func (c *SubmissionController) submitFallback(ctx context.Context, draft messages.Draft, photo messages.PhotoRef) (messages.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	row, err := c.api.Create(ctx, draft.Name, draft.Body, photoPayload(photo))
	if err != nil {
		return messages.Message{}, err
	}
	if strings.TrimSpace(row.Name) == "" && row.ID.IsZero() {
		return messages.Message{}, errEmptyResponse
	}
	return row, nil
}

// photoPayload renders a photo for the server-mediated endpoint: hosted URLs as-is, pending bytes
// as a data URI.
func photoPayload(photo messages.PhotoRef) string {
	switch photo.Kind() {
	case messages.PhotoURL, messages.PhotoStorageKey:
		return photo.Value()
	case messages.PhotoPendingUpload:
		return photo.DataURI()
	default:
		return ""
	}
}
