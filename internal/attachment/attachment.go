// Package attachment validates message images and writes them, with a
// thumbnail, to blob storage.
package attachment

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"golang.org/x/crypto/blake2b"
	_ "golang.org/x/image/webp"

	"github.com/nexus-im/courier/store/message"
)

const (
	// MaxImageSize is the largest accepted upload, in bytes.
	MaxImageSize = 5 << 20
	// ThumbnailWidth is the width of generated thumbnails, in pixels.
	ThumbnailWidth = 320
)

// allowed maps each accepted content type to its file extension and the
// format name reported by the image decoders.
var allowed = map[string]struct {
	ext    string
	format string
}{
	"image/jpeg": {".jpg", "jpeg"},
	"image/png":  {".png", "png"},
	"image/webp": {".webp", "webp"},
	"image/gif":  {".gif", "gif"},
}

var (
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrTooLarge        = errors.New("image too large")
	ErrEmpty           = errors.New("empty image")
	ErrCorrupt         = errors.New("image could not be decoded")
)

// Upload is an image received from a client.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Allowed reports whether contentType is an accepted image type.
func Allowed(contentType string) bool {
	_, ok := allowed[contentType]
	return ok
}

// Validate checks the declared type and size without decoding.
func (u *Upload) Validate() error {
	if !Allowed(u.ContentType) {
		return ErrUnsupportedType
	}
	if len(u.Data) == 0 {
		return ErrEmpty
	}
	if len(u.Data) > MaxImageSize {
		return ErrTooLarge
	}
	return nil
}

// Store persists blobs and returns the URL clients fetch them from.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Saver validates uploads and writes them to a Store.
type Saver struct {
	store Store
}

// NewSaver creates a Saver writing to store.
func NewSaver(store Store) *Saver {
	return &Saver{store: store}
}

// Save validates up, decodes it to confirm the bytes match the declared
// type, and stores the original plus a JPEG thumbnail under a
// content-addressed key scoped to conversationID.
func (s *Saver) Save(ctx context.Context, conversationID string, up *Upload) (*message.Image, error) {
	if err := up.Validate(); err != nil {
		return nil, err
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(up.Data))
	if err != nil {
		return nil, ErrCorrupt
	}
	if format != allowed[up.ContentType].format {
		return nil, ErrUnsupportedType
	}

	key := Key(conversationID, up.Data, allowed[up.ContentType].ext)
	url, err := s.store.Put(ctx, key, up.ContentType, up.Data)
	if err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}

	img := &message.Image{Key: key, URL: url, ContentType: up.ContentType}

	// A failed thumbnail leaves the message with the original only.
	if thumb, err := Thumbnail(up.Data); err == nil {
		if thumbURL, err := s.store.Put(ctx, key+"_thumb.jpg", "image/jpeg", thumb); err == nil {
			img.ThumbnailURL = thumbURL
		}
	}
	return img, nil
}

// Key derives the storage key of data from its BLAKE2b digest, so a
// repeated upload to one conversation reuses the stored object.
func Key(conversationID string, data []byte, ext string) string {
	sum := blake2b.Sum256(data)
	return "conversations/" + conversationID + "/" + hex.EncodeToString(sum[:16]) + ext
}

// Thumbnail renders data as a JPEG at most ThumbnailWidth pixels wide.
func Thumbnail(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Dx() > ThumbnailWidth {
		img = imaging.Resize(img, ThumbnailWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
