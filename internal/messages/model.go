package messages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ExcerptLimit is the number of characters shown before a message body is collapsed.
const ExcerptLimit = 300

var (
	// ErrMissingName indicates that the display name is empty after trimming.
	ErrMissingName = errors.New("messages: name required")
	// ErrMissingMessage indicates that the message body is empty after trimming.
	ErrMissingMessage = errors.New("messages: message required")
	// ErrNotFound indicates that no stored message carries the requested id.
	ErrNotFound = errors.New("messages: message not found")
	// ErrInvalidID indicates that a JSON id is neither a number nor a string.
	ErrInvalidID = errors.New("messages: invalid id")
)

// ID is the opaque identifier assigned by whichever store accepted the message.
// Remote rows carry numeric ids; an empty ID means the id is not known yet.
type ID string

// IDFromInt64 formats a numeric identifier.
func IDFromInt64(value int64) ID {
	return ID(strconv.FormatInt(value, 10))
}

// IsZero reports whether the id is unknown.
func (id ID) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

// String returns the raw identifier.
func (id ID) String() string {
	return string(id)
}

// Int64 parses the identifier as a number.
func (id ID) Int64() (int64, error) {
	value, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidID, string(id))
	}
	return value, nil
}

func (id ID) numeric() bool {
	if id == "" {
		return false
	}
	for _, r := range string(id) {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(id) < 19
}

// MarshalJSON writes numeric ids as JSON numbers, others as strings, and the zero id as null.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	if id.numeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts JSON numbers, strings and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidID, err)
		}
		*id = ID(strings.TrimSpace(raw))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	*id = ID(number.String())
	return nil
}

// Message is a guestbook entry as persisted by a store.
type Message struct {
	ID        ID        `json:"id"`
	Name      string    `json:"name"`
	Body      string    `json:"message"`
	Photo     string    `json:"photo,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// HasPhoto reports whether a photo reference is attached.
func (m Message) HasPhoto() bool {
	return strings.TrimSpace(m.Photo) != ""
}

// Excerpt returns the body truncated to limit characters for collapsed display.
func (m Message) Excerpt(limit int) string {
	if limit <= 0 || utf8.RuneCountInString(m.Body) <= limit {
		return m.Body
	}
	runes := []rune(m.Body)
	return string(runes[:limit]) + "..."
}

// Truncated reports whether the body exceeds the collapsed display threshold.
func (m Message) Truncated() bool {
	return utf8.RuneCountInString(m.Body) > ExcerptLimit
}

// Same reports whether two messages describe the same guestbook entry. Known ids must match;
// when either side has no id yet, the name and body pair decides.
func Same(left, right Message) bool {
	if !left.ID.IsZero() && !right.ID.IsZero() {
		return left.ID == right.ID
	}
	return left.Name == right.Name && left.Body == right.Body
}

// Newer reports whether left sorts before right in a newest-first list.
// A zero created_at has not been assigned by a store yet and counts as newest.
func Newer(left, right time.Time) bool {
	switch {
	case left.IsZero() && right.IsZero():
		return false
	case left.IsZero():
		return true
	case right.IsZero():
		return false
	default:
		return left.After(right)
	}
}

// SortNewestFirst orders messages by created_at descending, keeping arrival order for ties.
func SortNewestFirst(list []Message) {
	sort.SliceStable(list, func(i, j int) bool {
		return Newer(list[i].CreatedAt, list[j].CreatedAt)
	})
}

// Draft carries the client-supplied fields of a message before a store accepts it.
type Draft struct {
	Name  string
	Body  string
	Photo string
}

// NewDraft validates the required fields. The body is kept verbatim.
func NewDraft(name, body, photo string) (Draft, error) {
	draft := Draft{
		Name:  strings.TrimSpace(name),
		Body:  body,
		Photo: strings.TrimSpace(photo),
	}
	if err := draft.Validate(); err != nil {
		return Draft{}, err
	}
	return draft, nil
}

// Validate reports the first missing required field.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ErrMissingName
	}
	if strings.TrimSpace(d.Body) == "" {
		return ErrMissingMessage
	}
	return nil
}
