package upload

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Kind classifies upload failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: the request was rejected before any remote call.
	KindValidation
	// KindAuthentication: the object store rejected the credentials.
	KindAuthentication
	// KindRemoteService: an initiate, upload-part, complete or abort call failed.
	KindRemoteService
	// KindLocalIO: reading the staged source failed.
	KindLocalIO
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindRemoteService:
		return "remote service"
	case KindLocalIO:
		return "local I/O"
	default:
		return "unknown"
	}
}

// Sentinel errors matching each Kind with errors.Is.
var (
	ErrValidation     = errors.New("upload: validation error")
	ErrAuthentication = errors.New("upload: authentication error")
	ErrRemoteService  = errors.New("upload: remote service error")
	ErrLocalIO        = errors.New("upload: local I/O error")
)

// Specific causes, wrapped inside an *Error.
var (
	ErrTooLarge           = errors.New("file size exceeds the configured maximum")
	ErrEmptySource        = errors.New("source contains no data")
	ErrTooManyParts       = errors.New("upload needs more parts than the store allows")
	ErrUnsupportedType    = errors.New("file type is not allowed")
	ErrInvalidTransition  = errors.New("invalid session state transition")
	ErrSessionFinalized   = errors.New("upload session already finalized")
	ErrNonContiguousParts = errors.New("part numbers are not contiguous from 1")
	ErrMissingUploadID    = errors.New("remote service returned no upload ID")
	ErrMissingETag        = errors.New("remote service returned no ETag")
	ErrInvalidPartSize    = errors.New("part size must be positive")
	ErrInvalidPartNumber  = errors.New("part number out of sequence")
	ErrInvalidDestination = errors.New("bucket and key must not be empty")
)

// Error is an upload failure with the operation and object it concerns.
// Aborted is set when the upload was cleaned up after the failure. AbortErr
// is set when that cleanup failed too; the upload is then orphaned on the
// remote side and Err stays the primary cause.
type Error struct {
	Kind     Kind
	Op       string
	Bucket   string
	Key      string
	UploadID string
	Err      error
	Aborted  bool
	AbortErr error
}

// NewError creates an Error of kind k for operation op.
func NewError(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := "upload." + e.Op
	if e.Bucket != "" && e.Key != "" {
		msg += fmt.Sprintf(" s3://%s/%s", e.Bucket, e.Key)
	}
	msg += fmt.Sprintf(": %v", e.Err)
	if e.AbortErr != nil {
		msg += fmt.Sprintf(" (failed to abort multipart upload %s, left orphaned: %v)", e.UploadID, e.AbortErr)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrAuthentication:
		return e.Kind == KindAuthentication
	case ErrRemoteService:
		return e.Kind == KindRemoteService
	case ErrLocalIO:
		return e.Kind == KindLocalIO
	}
	return false
}

// Orphaned reports whether the remote upload may still hold uncommitted parts.
func (e *Error) Orphaned() bool {
	return e.AbortErr != nil && e.UploadID != ""
}

// WithObject adds bucket and key context.
func (e *Error) WithObject(bucket, key string) *Error {
	e.Bucket = bucket
	e.Key = key
	return e
}

// Message returns a human-readable description of err for end users.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return fmt.Sprintf("Unexpected error: %v", err)
	}

	var msg string
	switch e.Kind {
	case KindValidation:
		msg = capitalize(e.Err.Error()) + "."
	case KindAuthentication:
		msg = "The storage service rejected the upload credentials."
	case KindLocalIO:
		msg = fmt.Sprintf("Failed to read the uploaded file: %v.", e.Err)
	default:
		msg = fmt.Sprintf("Client error: %v.", e.Err)
	}

	switch {
	case e.AbortErr != nil:
		msg += fmt.Sprintf(" Failed to abort multipart upload %s: %v.", e.UploadID, e.AbortErr)
	case e.Aborted:
		msg += " Multipart upload aborted."
	}
	return msg
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// authErrorCodes are the API error codes S3 and STS use for rejected credentials.
var authErrorCodes = map[string]struct{}{
	"InvalidAccessKeyId":         {},
	"SignatureDoesNotMatch":      {},
	"ExpiredToken":               {},
	"InvalidToken":               {},
	"InvalidClientTokenId":       {},
	"TokenRefreshRequired":       {},
	"AuthFailure":                {},
	"MissingAuthenticationToken": {},
}

// remoteError classifies an error returned by an API call.
func remoteError(op string, err error) *Error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := authErrorCodes[apiErr.ErrorCode()]; ok {
			return NewError(KindAuthentication, op, err)
		}
	}
	return NewError(KindRemoteService, op, err)
}

// isNoSuchUpload reports whether err says the upload ID is unknown, which
// for an abort means the session was already completed or aborted.
func isNoSuchUpload(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload"
}

// retryable reports whether a part upload failure may succeed on retry.
func retryable(err error) bool {
	if KindOf(err) != KindRemoteService {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorFault() != smithy.FaultClient ||
			apiErr.ErrorCode() == "RequestTimeout" || apiErr.ErrorCode() == "SlowDown"
	}
	return true
}
