package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/stefando/videoupload/internal/logger"
)

// stageChunkSize is the copy buffer used when staging an incoming stream.
const stageChunkSize = 5 * 1024 * 1024

// videoContentTypes is used when content sniffing does not recognise a video.
var videoContentTypes = map[string]string{
	"mp4":  "video/mp4",
	"avi":  "video/x-msvideo",
	"mov":  "video/quicktime",
	"mkv":  "video/x-matroska",
	"webm": "video/webm",
}

// OrphanHandler is told about uploads that failed and could not be aborted.
// The remote side may still hold their parts until a lifecycle rule or an
// operator removes them.
type OrphanHandler func(ctx context.Context, err *Error)

// ServiceConfig holds the destination and validation settings of a Service.
type ServiceConfig struct {
	Bucket            string
	KeyPrefix         string
	AllowedExtensions []string
	MaxObjectSize     int64
	StagingDir        string
}

// Service uploads user files: it validates them, stages the incoming stream
// into a seekable temporary file and hands it to the Uploader.
type Service struct {
	uploader *Uploader
	cfg      ServiceConfig
	onOrphan OrphanHandler
}

// Outcome describes a finished upload for the caller.
type Outcome struct {
	TransferID  string        `json:"transfer_id"`
	Bucket      string        `json:"bucket"`
	Key         string        `json:"key"`
	Location    string        `json:"location"`
	ContentType string        `json:"content_type"`
	Size        int64         `json:"size"`
	Parts       int           `json:"parts"`
	Duration    time.Duration `json:"duration"`
	Message     string        `json:"message"`
}

// URI returns the s3:// address of the uploaded object.
func (o *Outcome) URI() string {
	return fmt.Sprintf("s3://%s/%s", o.Bucket, o.Key)
}

// NewService creates a new upload service. onOrphan may be nil, in which
// case orphaned uploads are only logged.
func NewService(uploader *Uploader, cfg ServiceConfig, onOrphan OrphanHandler) *Service {
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	return &Service{
		uploader: uploader,
		cfg:      cfg,
		onOrphan: onOrphan,
	}
}

// Config returns the service settings.
func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// ObjectKey derives the object key for a user-supplied file name: the key
// prefix followed by the base name, with any client-side directories dropped.
func (s *Service) ObjectKey(filename string) (string, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", NewError(KindValidation, "objectKey", errors.New("file name cannot be empty"))
	}
	return s.cfg.KeyPrefix + name, nil
}

// CheckExtension rejects file names whose extension is not allowed.
func (s *Service) CheckExtension(filename string) error {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if !slices.Contains(s.cfg.AllowedExtensions, ext) {
		return NewError(KindValidation, "checkExtension", fmt.Errorf("%w: %q, allowed types are %s",
			ErrUnsupportedType, path.Ext(filename), strings.Join(s.cfg.AllowedExtensions, ", ")))
	}
	return nil
}

// CheckSize rejects sizes above the configured maximum.
func (s *Service) CheckSize(size int64) error {
	if s.cfg.MaxObjectSize > 0 && size > s.cfg.MaxObjectSize {
		return NewError(KindValidation, "checkSize", fmt.Errorf("%w: %s is larger than the %s limit",
			ErrTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(s.cfg.MaxObjectSize))))
	}
	return nil
}

// Upload stages r into a temporary file, then uploads it as
// <prefix><filename>. The temporary file is removed before returning.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader, progress ProgressFunc) (*Outcome, error) {
	key, err := s.prepare(filename)
	if err != nil {
		return nil, err
	}

	staged, size, err := s.stage(ctx, r)
	if err != nil {
		return nil, s.describe(err, key)
	}
	defer func() {
		_ = staged.Close()
		if rerr := os.Remove(staged.Name()); rerr != nil {
			logger.Ctx(ctx).Warn().Err(rerr).Str("file", staged.Name()).Msg("failed to remove staged file")
		}
	}()

	return s.upload(ctx, key, staged, size, progress)
}

// UploadFile uploads a local file without staging it.
func (s *Service) UploadFile(ctx context.Context, filePath string, progress ProgressFunc) (*Outcome, error) {
	key, err := s.prepare(filePath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, s.describe(NewError(KindLocalIO, "open", err), key)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, s.describe(NewError(KindLocalIO, "stat", err), key)
	}
	if err := s.CheckSize(info.Size()); err != nil {
		return nil, s.describe(err, key)
	}

	return s.upload(ctx, key, f, info.Size(), progress)
}

func (s *Service) prepare(filename string) (string, error) {
	key, err := s.ObjectKey(filename)
	if err != nil {
		return "", err
	}
	if err := s.CheckExtension(key); err != nil {
		return "", s.describe(err, key)
	}
	return key, nil
}

func (s *Service) upload(ctx context.Context, key string, f *os.File, size int64, progress ProgressFunc) (*Outcome, error) {
	transferID := uuid.New().String()
	log := logger.Ctx(ctx).With().
		Str("transfer_id", transferID).
		Str("bucket", s.cfg.Bucket).
		Str("key", key).
		Logger()
	ctx = logger.WithLogger(ctx, &log)

	contentType, err := detectContentType(f, key)
	if err != nil {
		return nil, s.describe(err, key)
	}

	log.Info().
		Str("size", humanize.IBytes(uint64(size))).
		Str("content_type", contentType).
		Int("parts", TotalParts(size, s.uploader.PartSize())).
		Msg("starting upload")

	result, err := s.uploader.Upload(ctx, Request{
		Bucket:      s.cfg.Bucket,
		Key:         key,
		Body:        f,
		Size:        size,
		ContentType: contentType,
		Metadata: map[string]string{
			"original-filename": path.Base(key),
			"transfer-id":       transferID,
		},
		Progress: progress,
	})
	if err != nil {
		var uerr *Error
		if errors.As(err, &uerr) && uerr.Orphaned() {
			s.reportOrphan(ctx, uerr)
		}
		return nil, err
	}

	outcome := &Outcome{
		TransferID:  transferID,
		Bucket:      result.Bucket,
		Key:         result.Key,
		Location:    result.Location,
		ContentType: contentType,
		Size:        result.Size,
		Parts:       len(result.Parts),
		Duration:    result.Duration,
	}
	outcome.Message = fmt.Sprintf("File uploaded successfully to `%s`", outcome.URI())
	return outcome, nil
}

// stage copies r into a temporary file in part-size chunks, stopping as soon
// as the maximum size is exceeded, and rewinds it.
func (s *Service) stage(ctx context.Context, r io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp(s.cfg.StagingDir, "videoupload-*")
	if err != nil {
		return nil, 0, NewError(KindLocalIO, "stage", fmt.Errorf("failed to create staging file: %w", err))
	}
	discard := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}

	src := r
	if s.cfg.MaxObjectSize > 0 {
		src = io.LimitReader(r, s.cfg.MaxObjectSize+1)
	}
	n, err := io.CopyBuffer(f, src, make([]byte, stageChunkSize))
	if err != nil {
		discard()
		return nil, 0, NewError(KindLocalIO, "stage", fmt.Errorf("failed to stage upload: %w", err))
	}
	if err := s.CheckSize(n); err != nil {
		discard()
		return nil, 0, err
	}
	if n == 0 {
		discard()
		return nil, 0, NewError(KindValidation, "stage", ErrEmptySource)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, 0, NewError(KindLocalIO, "stage", err)
	}

	logger.Ctx(ctx).Debug().
		Str("file", f.Name()).
		Str("size", humanize.IBytes(uint64(n))).
		Msg("staged upload")
	return f, n, nil
}

// detectContentType sniffs the start of f and rewinds it. Sources that are
// not recognised as video fall back to the type implied by the extension.
func detectContentType(f io.ReadSeeker, name string) (string, error) {
	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return "", NewError(KindLocalIO, "detectContentType", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", NewError(KindLocalIO, "detectContentType", err)
	}

	if strings.HasPrefix(mtype.String(), "video/") {
		return mtype.String(), nil
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ct, ok := videoContentTypes[ext]; ok {
		return ct, nil
	}
	return "application/octet-stream", nil
}

func (s *Service) describe(err error, key string) error {
	var uerr *Error
	if errors.As(err, &uerr) && uerr.Bucket == "" {
		uerr.WithObject(s.cfg.Bucket, key)
	}
	return err
}

func (s *Service) reportOrphan(ctx context.Context, err *Error) {
	logger.Ctx(ctx).Error().
		Err(err.AbortErr).
		Str("upload_id", err.UploadID).
		Msg("orphaned multipart upload needs cleanup")
	if s.onOrphan != nil {
		s.onOrphan(ctx, err)
	}
}
