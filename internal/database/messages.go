package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// MessageRecord is the row layout of the messages table.
type MessageRecord struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name      string    `gorm:"column:name;size:190;not null"`
	Message   string    `gorm:"column:message;type:text;not null"`
	Photo     *string   `gorm:"column:photo;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_messages_created_at"`
}

// TableName provides the explicit table binding for GORM.
func (MessageRecord) TableName() string {
	return "messages"
}

func (r MessageRecord) toMessage() messages.Message {
	message := messages.Message{
		ID:        messages.IDFromInt64(r.ID),
		Name:      r.Name,
		Body:      r.Message,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.Photo != nil {
		message.Photo = *r.Photo
	}
	return message
}

// MessageTableConfig wires the SQL message table.
type MessageTableConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// MessageTable implements messages.Table over GORM.
type MessageTable struct {
	db    *gorm.DB
	clock func() time.Time
}

func NewMessageTable(cfg MessageTableConfig) (*MessageTable, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &MessageTable{db: cfg.Database, clock: clock}, nil
}

// Insert stores the draft and assigns id and created_at.
func (t *MessageTable) Insert(ctx context.Context, draft messages.Draft) (messages.Message, error) {
	if err := draft.Validate(); err != nil {
		return messages.Message{}, err
	}
	record := MessageRecord{
		Name:      draft.Name,
		Message:   draft.Body,
		CreatedAt: t.clock().UTC(),
	}
	if draft.Photo != "" {
		photo := draft.Photo
		record.Photo = &photo
	}
	if err := t.db.WithContext(ctx).Create(&record).Error; err != nil {
		return messages.Message{}, fmt.Errorf("database: insert message: %w", err)
	}
	return record.toMessage(), nil
}

// UpdatePhoto sets the photo column of one row.
func (t *MessageTable) UpdatePhoto(ctx context.Context, id messages.ID, photo string) (messages.Message, error) {
	numericID, err := id.Int64()
	if err != nil {
		return messages.Message{}, fmt.Errorf("%w: %v", messages.ErrNotFound, err)
	}

	var record MessageRecord
	transactionError := t.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Model(&MessageRecord{}).Where("id = ?", numericID).Update("photo", photo)
		if result.Error != nil {
			return fmt.Errorf("database: update photo: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return messages.ErrNotFound
		}
		return transaction.Where("id = ?", numericID).Take(&record).Error
	})
	if transactionError != nil {
		return messages.Message{}, transactionError
	}
	return record.toMessage(), nil
}

// List returns every message, newest first.
func (t *MessageTable) List(ctx context.Context) ([]messages.Message, error) {
	var records []MessageRecord
	if err := t.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("database: list messages: %w", err)
	}
	list := make([]messages.Message, 0, len(records))
	for _, record := range records {
		list = append(list, record.toMessage())
	}
	return list, nil
}
