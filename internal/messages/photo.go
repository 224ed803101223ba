package messages

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	photoKeyPrefix   = "messages/"
	defaultExtension = "png"
	dataURIScheme    = "data:"
	base64Marker     = ";base64,"
)

var (
	// ErrInvalidDataURI indicates a photo payload that is not data:<mime>;base64,<payload>.
	ErrInvalidDataURI = errors.New("messages: invalid data uri")
	// ErrPendingPhoto indicates an attempt to persist photo bytes that were never uploaded.
	ErrPendingPhoto = errors.New("messages: photo upload pending")

	extensionPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.+-]{0,15}$`)
)

// PhotoKind tags the representation held by a PhotoRef.
type PhotoKind int

const (
	// PhotoAbsent means no photo was shared.
	PhotoAbsent PhotoKind = iota
	// PhotoURL is a fully qualified URL.
	PhotoURL
	// PhotoStorageKey is a blob-store key resolved to a URL at display time.
	PhotoStorageKey
	// PhotoPendingUpload holds raw bytes that still need uploading.
	PhotoPendingUpload
)

func (k PhotoKind) String() string {
	switch k {
	case PhotoURL:
		return "url"
	case PhotoStorageKey:
		return "storage_key"
	case PhotoPendingUpload:
		return "pending_upload"
	default:
		return "absent"
	}
}

// PhotoRef is one of Absent, URL, StorageKey or PendingUpload.
type PhotoRef struct {
	kind     PhotoKind
	value    string
	data     []byte
	mimeType string
}

// NoPhoto returns the absent variant.
func NoPhoto() PhotoRef {
	return PhotoRef{}
}

// PhotoFromURL wraps a fully qualified URL.
func PhotoFromURL(rawURL string) PhotoRef {
	return PhotoRef{kind: PhotoURL, value: strings.TrimSpace(rawURL)}
}

// PhotoFromKey wraps a blob-store key.
func PhotoFromKey(key string) PhotoRef {
	return PhotoRef{kind: PhotoStorageKey, value: strings.TrimSpace(key)}
}

// PendingPhoto wraps bytes awaiting upload. An empty or generic content type is sniffed from the data.
func PendingPhoto(data []byte, contentType string) PhotoRef {
	return PhotoRef{
		kind:     PhotoPendingUpload,
		data:     append([]byte(nil), data...),
		mimeType: ContentTypeFor(data, contentType),
	}
}

// ParsePhotoRef classifies a photo string received at a boundary.
func ParsePhotoRef(raw string) (PhotoRef, error) {
	trimmed := strings.TrimSpace(raw)
	switch {
	case trimmed == "":
		return NoPhoto(), nil
	case IsURL(trimmed):
		return PhotoFromURL(trimmed), nil
	case strings.HasPrefix(trimmed, dataURIScheme):
		data, contentType, err := DecodeDataURI(trimmed)
		if err != nil {
			return PhotoRef{}, err
		}
		return PendingPhoto(data, contentType), nil
	default:
		return PhotoFromKey(trimmed), nil
	}
}

// Kind returns the variant tag.
func (p PhotoRef) Kind() PhotoKind {
	return p.kind
}

// Value returns the URL or key for the URL and StorageKey variants.
func (p PhotoRef) Value() string {
	return p.value
}

// Data returns the pending bytes.
func (p PhotoRef) Data() []byte {
	return p.data
}

// MimeType returns the content type of pending bytes.
func (p PhotoRef) MimeType() string {
	return p.mimeType
}

// Stored returns the string persisted in the photo column. Pending bytes are never persisted.
func (p PhotoRef) Stored() (string, error) {
	switch p.kind {
	case PhotoAbsent:
		return "", nil
	case PhotoURL, PhotoStorageKey:
		return p.value, nil
	default:
		return "", ErrPendingPhoto
	}
}

// DataURI encodes pending bytes for the server-mediated upload path.
func (p PhotoRef) DataURI() string {
	if p.kind != PhotoPendingUpload {
		return ""
	}
	return EncodeDataURI(p.data, p.mimeType)
}

// IsURL reports whether the value is an absolute http(s) URL.
func IsURL(value string) bool {
	lower := strings.ToLower(strings.TrimSpace(value))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// DecodeDataURI parses data:<mime>;base64,<payload>.
func DecodeDataURI(value string) ([]byte, string, error) {
	if !strings.HasPrefix(value, dataURIScheme) {
		return nil, "", fmt.Errorf("%w: missing scheme", ErrInvalidDataURI)
	}
	markerIndex := strings.Index(value, base64Marker)
	if markerIndex < 0 {
		return nil, "", fmt.Errorf("%w: payload must be base64", ErrInvalidDataURI)
	}
	contentType := strings.TrimSpace(value[len(dataURIScheme):markerIndex])
	if contentType == "" {
		return nil, "", fmt.Errorf("%w: missing media type", ErrInvalidDataURI)
	}
	payload := value[markerIndex+len(base64Marker):]
	if payload == "" {
		return nil, "", fmt.Errorf("%w: empty payload", ErrInvalidDataURI)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	return data, contentType, nil
}

// EncodeDataURI produces data:<mime>;base64,<payload>.
func EncodeDataURI(data []byte, contentType string) string {
	return dataURIScheme + ContentTypeFor(data, contentType) + base64Marker + base64.StdEncoding.EncodeToString(data)
}

// ContentTypeFor keeps an explicit content type and sniffs the bytes otherwise.
func ContentTypeFor(data []byte, contentType string) string {
	trimmed := strings.TrimSpace(contentType)
	if trimmed != "" && trimmed != "application/octet-stream" {
		return trimmed
	}
	return mimetype.Detect(data).String()
}

// ExtensionForContentType returns the MIME subtype used as file extension, png when unparseable.
func ExtensionForContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	_, subtype, found := strings.Cut(mediaType, "/")
	if !found {
		return defaultExtension
	}
	subtype = strings.ToLower(strings.TrimSpace(subtype))
	if !extensionPattern.MatchString(subtype) {
		return defaultExtension
	}
	return subtype
}

// ExtensionFor prefers the original file extension and falls back to the content type.
func ExtensionFor(fileName, contentType string) string {
	extension := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if extensionPattern.MatchString(extension) {
		return extension
	}
	return ExtensionForContentType(contentType)
}

// NewPhotoKey builds messages/<unix-ms>-<random>.<ext>.
func NewPhotoKey(now time.Time, extension string) string {
	if !extensionPattern.MatchString(extension) {
		extension = defaultExtension
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s%d-%s.%s", photoKeyPrefix, now.UnixMilli(), suffix, extension)
}
