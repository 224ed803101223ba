package messages

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIDJSONRoundTripKeepsNumbersNumeric(testContext *testing.T) {
	var decoded struct {
		ID ID `json:"id"`
	}
	if err := json.Unmarshal([]byte(`{"id":1700000000123}`), &decoded); err != nil {
		testContext.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.ID != "1700000000123" {
		testContext.Fatalf("unexpected id %q", decoded.ID)
	}
	encoded, err := json.Marshal(decoded)
	if err != nil {
		testContext.Fatalf("unexpected encode error: %v", err)
	}
	if string(encoded) != `{"id":1700000000123}` {
		testContext.Fatalf("expected numeric id, got %s", encoded)
	}
}

func TestIDJSONAcceptsStringsAndNull(testContext *testing.T) {
	testCases := []struct {
		name    string
		payload string
		want    ID
		encoded string
	}{
		{name: "string", payload: `"abc-1"`, want: "abc-1", encoded: `"abc-1"`},
		{name: "null", payload: `null`, want: "", encoded: `null`},
		{name: "numeric-string", payload: `"42"`, want: "42", encoded: `42`},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			var id ID
			if err := json.Unmarshal([]byte(testCase.payload), &id); err != nil {
				testContext.Fatalf("unexpected error: %v", err)
			}
			if id != testCase.want {
				testContext.Fatalf("want %q got %q", testCase.want, id)
			}
			encoded, _ := json.Marshal(id)
			if string(encoded) != testCase.encoded {
				testContext.Fatalf("want %s got %s", testCase.encoded, encoded)
			}
		})
	}
}

func TestIDJSONRejectsObjects(testContext *testing.T) {
	var id ID
	err := json.Unmarshal([]byte(`{"nested":true}`), &id)
	if !errors.Is(err, ErrInvalidID) {
		testContext.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestMessageOmitsUnsetOptionalFields(testContext *testing.T) {
	encoded, err := json.Marshal(Message{Name: "Alice", Body: "Congrats!"})
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if string(encoded) != `{"id":null,"name":"Alice","message":"Congrats!"}` {
		testContext.Fatalf("unexpected payload %s", encoded)
	}
}

func TestNewDraftValidatesRequiredFields(testContext *testing.T) {
	if _, err := NewDraft("  ", "hello", ""); !errors.Is(err, ErrMissingName) {
		testContext.Fatalf("expected ErrMissingName, got %v", err)
	}
	if _, err := NewDraft("Alice", "\n\t", ""); !errors.Is(err, ErrMissingMessage) {
		testContext.Fatalf("expected ErrMissingMessage, got %v", err)
	}
	draft, err := NewDraft(" Alice ", "  Congrats!  ", "")
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if draft.Name != "Alice" || draft.Body != "  Congrats!  " {
		testContext.Fatalf("unexpected draft %#v", draft)
	}
}

func TestSameMatchesByIDThenContent(testContext *testing.T) {
	stored := Message{ID: "7", Name: "Alice", Body: "Congrats!"}
	testCases := []struct {
		name  string
		other Message
		want  bool
	}{
		{name: "same-id", other: Message{ID: "7", Name: "Bob", Body: "other"}, want: true},
		{name: "different-id-same-content", other: Message{ID: "8", Name: "Alice", Body: "Congrats!"}, want: false},
		{name: "missing-id-same-content", other: Message{Name: "Alice", Body: "Congrats!"}, want: true},
		{name: "missing-id-different-content", other: Message{Name: "Alice", Body: "Best wishes"}, want: false},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			if got := Same(stored, testCase.other); got != testCase.want {
				testContext.Fatalf("want %v got %v", testCase.want, got)
			}
		})
	}
}

func TestSortNewestFirst(testContext *testing.T) {
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	list := []Message{
		{ID: "1", CreatedAt: base},
		{ID: "3", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "2", CreatedAt: base.Add(time.Minute)},
		{ID: "pending"},
	}
	SortNewestFirst(list)
	got := []string{list[0].ID.String(), list[1].ID.String(), list[2].ID.String(), list[3].ID.String()}
	want := []string{"pending", "3", "2", "1"}
	for index := range want {
		if got[index] != want[index] {
			testContext.Fatalf("unexpected order %v", got)
		}
	}
}

func TestExcerptTruncatesLongBodies(testContext *testing.T) {
	long := Message{Body: strings.Repeat("é", ExcerptLimit+5)}
	excerpt := long.Excerpt(ExcerptLimit)
	if !strings.HasSuffix(excerpt, "...") {
		testContext.Fatalf("expected ellipsis, got %q", excerpt)
	}
	if len([]rune(excerpt)) != ExcerptLimit+3 {
		testContext.Fatalf("unexpected excerpt length %d", len([]rune(excerpt)))
	}
	if !long.Truncated() {
		testContext.Fatalf("expected long body to be truncated")
	}
	short := Message{Body: "Congrats!"}
	if short.Excerpt(ExcerptLimit) != "Congrats!" || short.Truncated() {
		testContext.Fatalf("short body must be shown in full")
	}
}
