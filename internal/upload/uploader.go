package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"

	"github.com/stefando/videoupload/internal/logger"
	"github.com/stefando/videoupload/internal/metrics"
)

const (
	// DefaultPartSize is the size of every part but the last (5 MiB, the S3 floor).
	DefaultPartSize = 5 * 1024 * 1024

	// MaxParts is the highest part number the store accepts.
	MaxParts = 10000

	// abortTimeout bounds the cleanup call, which runs even when the
	// caller's context is already cancelled.
	abortTimeout = 30 * time.Second
)

// Option configures an Uploader.
type Option func(*Uploader)

// WithPartSize sets the part size. Values <= 0 keep the default.
func WithPartSize(n int64) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.partSize = n
		}
	}
}

// WithMaxObjectSize rejects sources larger than n bytes before any remote
// call. Zero disables the check.
func WithMaxObjectSize(n int64) Option {
	return func(u *Uploader) {
		u.maxObjectSize = n
	}
}

// WithRetries retries a failed part up to n more times, waiting base,
// 2*base, 4*base... between attempts. Only transient failures are retried.
func WithRetries(n int, base time.Duration) Option {
	return func(u *Uploader) {
		u.maxRetries = max(n, 0)
		u.retryBackoff = base
	}
}

// WithMetrics records upload metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(u *Uploader) {
		u.metrics = m
	}
}

// Uploader runs multipart uploads against an API.
type Uploader struct {
	client        API
	partSize      int64
	maxObjectSize int64
	maxRetries    int
	retryBackoff  time.Duration
	metrics       *metrics.Metrics

	sleep func(context.Context, time.Duration) error
}

// NewUploader creates a new multipart uploader
func NewUploader(client API, opts ...Option) *Uploader {
	u := &Uploader{
		client:   client,
		partSize: DefaultPartSize,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// PartSize returns the configured part size.
func (u *Uploader) PartSize() int64 {
	return u.partSize
}

// Request describes one object to upload.
type Request struct {
	Bucket string
	Key    string

	// Body is read sequentially until it is exhausted. Size is its declared
	// length, used for validation and the progress estimate.
	Body io.Reader
	Size int64

	ContentType string
	Metadata    map[string]string

	// Progress, if set, is called after each uploaded part.
	Progress ProgressFunc
}

// Result describes a completed upload.
type Result struct {
	Bucket    string
	Key       string
	UploadID  string
	Location  string
	ETag      string
	VersionID string
	Size      int64
	Parts     []PartResult
	Duration  time.Duration
}

// Completion is what the store returns when an upload is finalized.
type Completion struct {
	Location  string
	ETag      string
	VersionID string
}

// TotalParts returns ceil(size/partSize).
func TotalParts(size, partSize int64) int {
	if size <= 0 || partSize <= 0 {
		return 0
	}
	n := size / partSize
	if size%partSize != 0 {
		n++
	}
	return int(n)
}

// Validate checks a declared size against the uploader's limits.
func (u *Uploader) Validate(size int64) error {
	switch {
	case u.partSize <= 0:
		return NewError(KindValidation, "validate", ErrInvalidPartSize)
	case size <= 0:
		return NewError(KindValidation, "validate", ErrEmptySource)
	case u.maxObjectSize > 0 && size > u.maxObjectSize:
		return NewError(KindValidation, "validate", fmt.Errorf("%w: %s is larger than the %s limit",
			ErrTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(u.maxObjectSize))))
	case TotalParts(size, u.partSize) > MaxParts:
		return NewError(KindValidation, "validate", fmt.Errorf("%w: %d parts of %s",
			ErrTooManyParts, TotalParts(size, u.partSize), humanize.IBytes(uint64(u.partSize))))
	}
	return nil
}

// Initiate starts a multipart upload and returns its session.
func (u *Uploader) Initiate(
	ctx context.Context,
	bucket, key string,
	optFns ...func(*s3.CreateMultipartUploadInput),
) (*Session, error) {
	if bucket == "" || key == "" {
		return nil, NewError(KindValidation, "initiate", ErrInvalidDestination)
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	for _, fn := range optFns {
		fn(input)
	}

	output, err := u.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, remoteError("initiate", err).WithObject(bucket, key)
	}
	if aws.ToString(output.UploadId) == "" {
		return nil, NewError(KindRemoteService, "initiate", ErrMissingUploadID).WithObject(bucket, key)
	}

	s := &Session{
		UploadID: aws.ToString(output.UploadId),
		Bucket:   bucket,
		Key:      key,
		PartSize: u.partSize,
	}
	if err := s.transition(StateInitiated); err != nil {
		return nil, NewError(KindValidation, "initiate", err)
	}

	logger.Ctx(ctx).Debug().
		Str("bucket", bucket).
		Str("key", key).
		Str("upload_id", s.UploadID).
		Msg("initiated multipart upload")
	return s, nil
}

// UploadPart sends one part. partNumber must be the session's next part
// number. Transient failures are retried when the uploader has retries
// configured. The caller is expected to Abort the session if this fails.
func (u *Uploader) UploadPart(ctx context.Context, s *Session, partNumber int32, body []byte) (PartResult, error) {
	if s.state.Terminal() {
		return PartResult{}, u.sessionError(KindValidation, "uploadPart", s, ErrSessionFinalized)
	}
	if partNumber != s.NextPartNumber() {
		return PartResult{}, u.sessionError(KindValidation, "uploadPart", s,
			fmt.Errorf("%w: got %d, want %d", ErrInvalidPartNumber, partNumber, s.NextPartNumber()))
	}
	if err := s.transition(StateUploading); err != nil {
		return PartResult{}, u.sessionError(KindValidation, "uploadPart", s, err)
	}

	var (
		output *s3.UploadPartOutput
		err    error
	)
	for attempt := 0; ; attempt++ {
		output, err = u.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.Bucket),
			Key:           aws.String(s.Key),
			UploadId:      aws.String(s.UploadID),
			PartNumber:    aws.Int32(partNumber),
			ContentLength: aws.Int64(int64(len(body))),
			Body:          bytes.NewReader(body),
		})
		if err == nil {
			break
		}

		rerr := remoteError("uploadPart", err)
		if attempt >= u.maxRetries || !retryable(rerr) || ctx.Err() != nil {
			return PartResult{}, u.fill(rerr, s)
		}

		wait := backoff(u.retryBackoff, attempt+1)
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("upload_id", s.UploadID).
			Int32("part", partNumber).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Msg("retrying part upload")
		u.metrics.PartRetried()
		if serr := u.sleep(ctx, wait); serr != nil {
			return PartResult{}, u.fill(remoteError("uploadPart", errors.Join(err, serr)), s)
		}
	}

	etag := aws.ToString(output.ETag)
	if etag == "" {
		return PartResult{}, u.sessionError(KindRemoteService, "uploadPart", s, ErrMissingETag)
	}

	part := PartResult{
		PartNumber: partNumber,
		ETag:       etag,
		Size:       int64(len(body)),
	}
	s.Parts = append(s.Parts, part)
	u.metrics.PartUploaded(part.Size)
	return part, nil
}

// Complete submits the ordered part list and finalizes the object. On
// success the upload ID is no longer valid.
func (u *Uploader) Complete(ctx context.Context, s *Session) (*Completion, error) {
	if s.state.Terminal() {
		return nil, u.sessionError(KindValidation, "complete", s, ErrSessionFinalized)
	}
	parts, err := completedParts(s.Parts)
	if err != nil {
		return nil, u.sessionError(KindValidation, "complete", s, err)
	}
	if err := s.transition(StateCompleting); err != nil {
		return nil, u.sessionError(KindValidation, "complete", s, err)
	}

	output, err := u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.Bucket),
		Key:      aws.String(s.Key),
		UploadId: aws.String(s.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	if err != nil {
		return nil, u.fill(remoteError("complete", err), s)
	}
	if err := s.transition(StateDone); err != nil {
		return nil, u.sessionError(KindValidation, "complete", s, err)
	}

	location := aws.ToString(output.Location)
	if location == "" {
		location = fmt.Sprintf("s3://%s/%s", s.Bucket, s.Key)
	}
	return &Completion{
		Location:  location,
		ETag:      aws.ToString(output.ETag),
		VersionID: aws.ToString(output.VersionId),
	}, nil
}

// Abort releases the uploaded parts and invalidates the upload ID. It is a
// no-op on a session that is already done or aborted, and an unknown
// upload ID on the remote side counts as already finalized. A failed abort
// leaves the session in StateAborting so it can be tried again.
func (u *Uploader) Abort(ctx context.Context, s *Session) error {
	if s == nil || s.state == StateIdle || s.state.Terminal() {
		return nil
	}
	if s.state != StateAborting {
		if err := s.transition(StateAborting); err != nil {
			return u.sessionError(KindValidation, "abort", s, err)
		}
	}

	// The cleanup must run even if the caller's context was cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	_, err := u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.Bucket),
		Key:      aws.String(s.Key),
		UploadId: aws.String(s.UploadID),
	})
	if err != nil && !isNoSuchUpload(err) {
		u.metrics.Aborted(false)
		return u.fill(remoteError("abort", err), s)
	}

	s.state = StateAborted
	u.metrics.Aborted(true)
	logger.Ctx(ctx).Info().
		Str("bucket", s.Bucket).
		Str("key", s.Key).
		Str("upload_id", s.UploadID).
		Msg("multipart upload aborted")
	return nil
}

// Upload runs the whole protocol for req: validate, initiate, upload the
// body in fixed-size parts until it is exhausted, then complete. Any failure
// after initiation aborts the upload once; the original error is returned,
// with the abort failure attached if the cleanup failed too.
func (u *Uploader) Upload(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	log := logger.Ctx(ctx).With().Str("bucket", req.Bucket).Str("key", req.Key).Logger()

	if req.Body == nil {
		u.metrics.ObserveUpload(metrics.StatusRejected, 0)
		return nil, NewError(KindValidation, "upload", errors.New("body cannot be nil")).WithObject(req.Bucket, req.Key)
	}
	if err := u.Validate(req.Size); err != nil {
		u.metrics.ObserveUpload(metrics.StatusRejected, 0)
		var uerr *Error
		if errors.As(err, &uerr) {
			uerr.WithObject(req.Bucket, req.Key)
		}
		return nil, err
	}

	s, err := u.Initiate(ctx, req.Bucket, req.Key, func(in *s3.CreateMultipartUploadInput) {
		if req.ContentType != "" {
			in.ContentType = aws.String(req.ContentType)
		}
		if len(req.Metadata) > 0 {
			in.Metadata = req.Metadata
		}
	})
	if err != nil {
		u.metrics.ObserveUpload(metrics.StatusFailed, time.Since(start))
		return nil, err
	}
	log = log.With().Str("upload_id", s.UploadID).Logger()

	if err := u.uploadParts(ctx, s, req); err != nil {
		return nil, u.abortAfter(ctx, s, err, start)
	}

	if got := s.Size(); got < req.Size {
		log.Warn().
			Int64("declared", req.Size).
			Int64("read", got).
			Msg("source ended before its declared size")
	}

	completion, err := u.Complete(ctx, s)
	if err != nil {
		return nil, u.abortAfter(ctx, s, err, start)
	}

	result := &Result{
		Bucket:    s.Bucket,
		Key:       s.Key,
		UploadID:  s.UploadID,
		Location:  completion.Location,
		ETag:      completion.ETag,
		VersionID: completion.VersionID,
		Size:      s.Size(),
		Parts:     s.Parts,
		Duration:  time.Since(start),
	}
	u.metrics.ObserveUpload(metrics.StatusSuccess, result.Duration)

	log.Info().
		Int("parts", len(result.Parts)).
		Str("size", humanize.IBytes(uint64(result.Size))).
		Dur("duration", result.Duration).
		Msg("upload complete")
	return result, nil
}

// uploadParts reads the body in part-size chunks and uploads each one.
// Reading stops at the first empty read; a short chunk is the last part.
// Bytes past the declared size are never read.
func (u *Uploader) uploadParts(ctx context.Context, s *Session, req Request) error {
	total := TotalParts(req.Size, u.partSize)
	buf := make([]byte, u.partSize)
	body := io.LimitReader(req.Body, req.Size)

	for {
		n, rerr := io.ReadFull(body, buf)
		if rerr == io.EOF {
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			return u.sessionError(KindLocalIO, "readPart", s,
				fmt.Errorf("failed to read part %d: %w", s.NextPartNumber(), rerr))
		}

		if _, err := u.UploadPart(ctx, s, s.NextPartNumber(), buf[:n]); err != nil {
			return err
		}

		done := len(s.Parts)
		if req.Progress != nil {
			req.Progress(done, max(total, done))
		}
		logger.Ctx(ctx).Debug().
			Str("upload_id", s.UploadID).
			Int("part", done).
			Int("total", total).
			Int("size", n).
			Msgf("uploaded part %d of %d", done, max(total, done))

		if rerr == io.ErrUnexpectedEOF {
			break
		}
	}

	if len(s.Parts) == 0 {
		return u.sessionError(KindLocalIO, "readPart", s, ErrEmptySource)
	}
	return nil
}

// abortAfter aborts s after cause and returns cause, annotated with the
// abort failure when the cleanup failed too.
func (u *Uploader) abortAfter(ctx context.Context, s *Session, cause error, start time.Time) error {
	log := logger.Ctx(ctx)
	uerr := u.fill(cause, s)

	abortErr := u.Abort(ctx, s)
	if abortErr == nil {
		uerr.Aborted = true
	} else {
		uerr.AbortErr = abortErr
		log.Error().
			Err(abortErr).
			Str("bucket", s.Bucket).
			Str("key", s.Key).
			Str("upload_id", s.UploadID).
			Msg("failed to abort multipart upload, upload is orphaned")
	}

	log.Error().Err(cause).Str("upload_id", s.UploadID).Msg("upload failed")
	u.metrics.ObserveUpload(metrics.StatusFailed, time.Since(start))
	return uerr
}

func (u *Uploader) sessionError(k Kind, op string, s *Session, err error) *Error {
	return u.fill(NewError(k, op, err), s)
}

// fill returns err as an *Error carrying the session's object and upload ID.
func (u *Uploader) fill(err error, s *Session) *Error {
	var uerr *Error
	if !errors.As(err, &uerr) {
		uerr = NewError(KindRemoteService, "upload", err)
	}
	if uerr.Bucket == "" {
		uerr.WithObject(s.Bucket, s.Key)
	}
	if uerr.UploadID == "" {
		uerr.UploadID = s.UploadID
	}
	return uerr
}
