package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
	"github.com/golang-jwt/jwt/v5"
)

const testAPIKey = "anon-key"

type fakeProject struct {
	mu      sync.Mutex
	rows    []map[string]any
	objects map[string][]byte
	nextID  int64
}

func newFakeProject() *fakeProject {
	return &fakeProject{objects: make(map[string][]byte), nextID: 1}
}

func (p *fakeProject) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") != testAPIKey || r.Header.Get("Authorization") != "Bearer "+testAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid API key"}`))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case r.URL.Path == "/rest/v1/messages" && r.Method == http.MethodPost:
		if r.Header.Get("Prefer") != "return=representation" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var inserted []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&inserted); err != nil || len(inserted) != 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"bad insert","code":"PGRST102"}`))
			return
		}
		created := inserted[0]
		created["id"] = p.nextID
		created["created_at"] = time.Date(2026, 6, 1, 12, 0, int(p.nextID), 0, time.UTC).Format("2006-01-02T15:04:05.000000+00:00")
		if _, ok := created["photo"]; !ok {
			created["photo"] = nil
		}
		p.nextID++
		p.rows = append(p.rows, created)
		writeJSON(w, http.StatusCreated, []map[string]any{created})
	case r.URL.Path == "/rest/v1/messages" && r.Method == http.MethodPatch:
		var patch map[string]string
		_ = json.NewDecoder(r.Body).Decode(&patch)
		filter := r.URL.Query().Get("id")
		updated := []map[string]any{}
		for _, row := range p.rows {
			if "eq."+jsonNumber(row["id"]) == filter {
				row["photo"] = patch["photo"]
				updated = append(updated, row)
			}
		}
		writeJSON(w, http.StatusOK, updated)
	case r.URL.Path == "/rest/v1/messages" && r.Method == http.MethodGet:
		if r.URL.Query().Get("order") != "created_at.desc" || r.URL.Query().Get("select") != "*" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ordered := make([]map[string]any, 0, len(p.rows))
		for index := len(p.rows) - 1; index >= 0; index-- {
			ordered = append(ordered, p.rows[index])
		}
		writeJSON(w, http.StatusOK, ordered)
	case strings.HasPrefix(r.URL.Path, "/storage/v1/object/messages/") && r.Method == http.MethodPost:
		key := strings.TrimPrefix(r.URL.Path, "/storage/v1/object/messages/")
		if r.Header.Get("x-upsert") != "false" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, exists := p.objects[key]; exists {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"statusCode": "409",
				"error":      "Duplicate",
				"message":    "The resource already exists",
			})
			return
		}
		data, _ := io.ReadAll(r.Body)
		p.objects[key] = data
		writeJSON(w, http.StatusOK, map[string]string{"Key": "messages/" + key})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func jsonNumber(value any) string {
	encoded, _ := json.Marshal(value)
	return string(encoded)
}

func newTestClient(testContext *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	testContext.Helper()
	server := httptest.NewServer(handler)
	testContext.Cleanup(server.Close)
	client, err := NewClient(Config{BaseURL: server.URL, APIKey: testAPIKey, Timeout: 2 * time.Second})
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}
	return client, server
}

func TestNewClientValidatesConfig(testContext *testing.T) {
	if _, err := NewClient(Config{APIKey: "key"}); !errors.Is(err, ErrInvalidClientConfig) {
		testContext.Fatalf("expected missing base url to be rejected, got %v", err)
	}
	if _, err := NewClient(Config{BaseURL: "ftp://example.supabase.co", APIKey: "key"}); !errors.Is(err, ErrInvalidClientConfig) {
		testContext.Fatalf("expected non-http base url to be rejected, got %v", err)
	}
	if _, err := NewClient(Config{BaseURL: "https://example.supabase.co"}); !errors.Is(err, ErrInvalidClientConfig) {
		testContext.Fatalf("expected missing credentials to be rejected, got %v", err)
	}
	if _, err := NewClient(Config{BaseURL: "https://example.supabase.co", JWTSecret: "secret"}); err != nil {
		testContext.Fatalf("expected jwt secret to be sufficient, got %v", err)
	}
}

func TestClientInsertUpdateAndList(testContext *testing.T) {
	client, _ := newTestClient(testContext, newFakeProject())
	ctx := context.Background()

	first, err := client.Insert(ctx, messages.Draft{Name: "Alice", Body: "Congrats!"})
	if err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}
	if first.ID != "1" || first.Name != "Alice" || first.Body != "Congrats!" || first.HasPhoto() {
		testContext.Fatalf("unexpected inserted row %#v", first)
	}
	if first.CreatedAt.IsZero() {
		testContext.Fatalf("expected created_at to be decoded")
	}

	second, err := client.Insert(ctx, messages.Draft{Name: "Bob", Body: "Cheers", Photo: "https://cdn.example.com/b.png"})
	if err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}
	if second.Photo != "https://cdn.example.com/b.png" {
		testContext.Fatalf("expected photo to round trip, got %q", second.Photo)
	}

	updated, err := client.UpdatePhoto(ctx, first.ID, "https://cdn.example.com/a.png")
	if err != nil {
		testContext.Fatalf("update failed: %v", err)
	}
	if updated.Photo != "https://cdn.example.com/a.png" {
		testContext.Fatalf("unexpected updated photo %q", updated.Photo)
	}
	if _, err := client.UpdatePhoto(ctx, "99", "x"); !errors.Is(err, messages.ErrNotFound) {
		testContext.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, err := client.List(ctx)
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].Name != "Bob" || list[1].Name != "Alice" {
		testContext.Fatalf("unexpected list %#v", list)
	}
}

func TestClientDecodesAPIErrors(testContext *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "relation does not exist", "code": "42P01"})
	})
	client, _ := newTestClient(testContext, handler)

	_, err := client.List(context.Background())
	var apiError *APIError
	if !errors.As(err, &apiError) {
		testContext.Fatalf("expected APIError, got %v", err)
	}
	if apiError.Status != http.StatusInternalServerError || apiError.Code != "42P01" || apiError.Message != "relation does not exist" {
		testContext.Fatalf("unexpected api error %#v", apiError)
	}
}

func TestClientUploadNeverOverwrites(testContext *testing.T) {
	project := newFakeProject()
	client, server := newTestClient(testContext, project)
	ctx := context.Background()
	key := "messages/1700000000000-abc123.png"

	if err := client.Upload(ctx, key, []byte("first"), "image/png"); err != nil {
		testContext.Fatalf("upload failed: %v", err)
	}
	if err := client.Upload(ctx, key, []byte("second"), "image/png"); !errors.Is(err, messages.ErrBlobExists) {
		testContext.Fatalf("expected ErrBlobExists, got %v", err)
	}
	project.mu.Lock()
	stored := string(project.objects[key])
	project.mu.Unlock()
	if stored != "first" {
		testContext.Fatalf("expected original object to survive, got %q", stored)
	}

	publicURL, err := client.PublicURL(key)
	if err != nil {
		testContext.Fatalf("public url failed: %v", err)
	}
	expected := server.URL + "/storage/v1/object/public/messages/" + key
	if publicURL != expected {
		testContext.Fatalf("expected %s, got %s", expected, publicURL)
	}

	if _, err := client.PublicURL("../escape.png"); err == nil {
		testContext.Fatal("expected traversal key to be rejected")
	}
}

func TestServiceTokenIssuerMintsServiceRole(testContext *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewServiceTokenIssuer("super-secret", time.Hour, func() time.Time { return now })
	if err != nil {
		testContext.Fatalf("failed to build issuer: %v", err)
	}

	token, err := issuer.Token()
	if err != nil {
		testContext.Fatalf("failed to mint token: %v", err)
	}
	again, err := issuer.Token()
	if err != nil || again != token {
		testContext.Fatalf("expected cached token to be reused")
	}

	claims := &serviceClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		testContext.Fatalf("failed to parse token: %v", err)
	}
	if claims.Role != serviceRole {
		testContext.Fatalf("expected role %q, got %q", serviceRole, claims.Role)
	}
	if !claims.ExpiresAt.Time.Equal(now.Add(time.Hour)) {
		testContext.Fatalf("unexpected expiry %v", claims.ExpiresAt.Time)
	}

	if _, err := NewServiceTokenIssuer("", 0, nil); err == nil {
		testContext.Fatal("expected empty secret to be rejected")
	}
}

func TestParseTimestampLayouts(testContext *testing.T) {
	expected := time.Date(2026, 6, 1, 12, 0, 0, 123456000, time.UTC)
	for _, value := range []string{
		"2026-06-01T12:00:00.123456+00:00",
		"2026-06-01T12:00:00.123456Z",
		"2026-06-01 12:00:00.123456+00",
		"2026-06-01T14:00:00.123456+02:00",
	} {
		parsed, err := parseTimestamp(value)
		if err != nil {
			testContext.Fatalf("failed to parse %q: %v", value, err)
		}
		if !parsed.Equal(expected) {
			testContext.Fatalf("parsed %q as %v", value, parsed)
		}
	}
	if _, err := parseTimestamp("yesterday"); err == nil {
		testContext.Fatal("expected garbage timestamp to fail")
	}
}
