package upload

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// State is the lifecycle state of a multipart upload session.
type State int

const (
	StateIdle State = iota
	StateInitiated
	StateUploading
	StateCompleting
	StateDone
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiated:
		return "initiated"
	case StateUploading:
		return "uploading"
	case StateCompleting:
		return "completing"
	case StateDone:
		return "done"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the upload ID is no longer valid.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// transitions lists the legal next states of each state.
var transitions = map[State][]State{
	StateIdle:       {StateInitiated},
	StateInitiated:  {StateUploading, StateAborting},
	StateUploading:  {StateUploading, StateCompleting, StateAborting},
	StateCompleting: {StateDone, StateAborting},
	StateAborting:   {StateAborted},
}

// PartResult is one uploaded part. ETag is the opaque token the store
// returned for it and must be echoed back on completion.
type PartResult struct {
	PartNumber int32
	ETag       string
	Size       int64
}

// Session tracks one multipart upload from initiation to completion or
// abort. It is owned by a single upload call and is not safe for
// concurrent use.
type Session struct {
	UploadID string
	Bucket   string
	Key      string
	PartSize int64
	Parts    []PartResult

	state State
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// NextPartNumber returns the part number the next UploadPart must use.
func (s *Session) NextPartNumber() int32 {
	return int32(len(s.Parts)) + 1
}

// Size returns the number of bytes uploaded so far.
func (s *Session) Size() int64 {
	var n int64
	for _, p := range s.Parts {
		n += p.Size
	}
	return n
}

func (s *Session) transition(to State) error {
	for _, next := range transitions[s.state] {
		if next == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
}

// completedParts converts the part results to the AWS SDK format, checking
// that the numbers run 1..n in ascending order.
func completedParts(parts []PartResult) ([]types.CompletedPart, error) {
	if len(parts) == 0 {
		return nil, ErrEmptySource
	}
	completed := make([]types.CompletedPart, len(parts))
	for i, part := range parts {
		if part.PartNumber != int32(i+1) {
			return nil, fmt.Errorf("%w: position %d holds part %d", ErrNonContiguousParts, i+1, part.PartNumber)
		}
		completed[i] = types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(part.PartNumber),
		}
	}
	return completed, nil
}
