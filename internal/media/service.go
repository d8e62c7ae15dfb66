package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/domain"
)

const thumbnailWidth = 320

var ErrEmptyUpload = errors.New("media: empty upload")

// Uploader stores a blob and returns its URL. *S3Store implements it.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Upload is a local file about to be attached to a message.
type Upload struct {
	FileName string
	MimeType string
	Kind     domain.ContentType
	Caption  string
	Duration time.Duration
	Data     []byte
}

// ContentType resolves the message variant, guessing from the MIME type when unset.
func (u Upload) ContentType() domain.ContentType {
	if u.Kind.Valid() && u.Kind != domain.ContentText && u.Kind != domain.ContentSystem {
		return u.Kind
	}
	switch {
	case strings.HasPrefix(u.MimeType, "image/"):
		return domain.ContentImage
	case strings.HasPrefix(u.MimeType, "video/"):
		return domain.ContentVideo
	case strings.HasPrefix(u.MimeType, "audio/"):
		return domain.ContentVoice
	}
	return domain.ContentFile
}

// LocalURI identifies the upload before it has a remote URL.
func (u Upload) LocalURI() string {
	return "local://" + u.FileName
}

type Service struct {
	store  Uploader
	userID string
	log    *zap.SugaredLogger
}

func NewService(store Uploader, userID string, log *zap.SugaredLogger) *Service {
	return &Service{store: store, userID: userID, log: log}
}

// Upload stores the file and, for images, a 320px wide JPEG thumbnail. A failed
// thumbnail does not fail the upload.
func (s *Service) Upload(ctx context.Context, u Upload) (*domain.Media, error) {
	if len(u.Data) == 0 {
		return nil, ErrEmptyUpload
	}
	id := uuid.NewString()
	name := path.Base(u.FileName)
	key := s.userID + "/" + id + "_" + name

	uri, err := s.store.Upload(ctx, key, u.MimeType, u.Data)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}
	m := &domain.Media{
		URI:      uri,
		MimeType: u.MimeType,
		FileName: name,
		Size:     int64(len(u.Data)),
		Duration: u.Duration,
	}
	if u.ContentType() != domain.ContentImage {
		return m, nil
	}

	thumb, w, h, err := generateThumbnail(u.Data)
	if err != nil {
		s.log.Warnw("thumbnail skipped", "file", name, "err", err)
		return m, nil
	}
	m.Width, m.Height = w, h
	thumbURI, err := s.store.Upload(ctx, key+"_thumb.jpg", "image/jpeg", thumb)
	if err != nil {
		s.log.Warnw("thumbnail upload failed", "file", name, "err", err)
		return m, nil
	}
	m.ThumbnailURI = thumbURI
	return m, nil
}

// generateThumbnail returns the JPEG thumbnail and the original dimensions.
func generateThumbnail(data []byte) ([]byte, int, int, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, 0, err
	}
	b := img.Bounds()
	thumb := imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG); err != nil {
		return nil, 0, 0, err
	}
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}
