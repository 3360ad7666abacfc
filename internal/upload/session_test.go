package upload

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		allowed bool
	}{
		{"idle to initiated", StateIdle, StateInitiated, true},
		{"idle to uploading", StateIdle, StateUploading, false},
		{"initiated to uploading", StateInitiated, StateUploading, true},
		{"initiated to completing", StateInitiated, StateCompleting, false},
		{"initiated to aborting", StateInitiated, StateAborting, true},
		{"uploading to uploading", StateUploading, StateUploading, true},
		{"uploading to completing", StateUploading, StateCompleting, true},
		{"uploading to aborting", StateUploading, StateAborting, true},
		{"completing to done", StateCompleting, StateDone, true},
		{"completing to aborting", StateCompleting, StateAborting, true},
		{"aborting to aborted", StateAborting, StateAborted, true},
		{"done to aborting", StateDone, StateAborting, false},
		{"aborted to initiated", StateAborted, StateInitiated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{state: tt.from}
			err := s.transition(tt.to)
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, tt.to, s.State())
				return
			}
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tt.from, s.State())
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uploading", StateUploading.String())
	assert.Equal(t, "aborted", StateAborted.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateAborted.Terminal())
	assert.False(t, StateAborting.Terminal())
}

func TestSession_PartAccounting(t *testing.T) {
	s := &Session{}
	assert.Equal(t, int32(1), s.NextPartNumber())

	s.Parts = append(s.Parts, PartResult{PartNumber: 1, ETag: "a", Size: 5}, PartResult{PartNumber: 2, ETag: "b", Size: 3})
	assert.Equal(t, int32(3), s.NextPartNumber())
	assert.Equal(t, int64(8), s.Size())
}

func TestCompletedParts(t *testing.T) {
	t.Run("ordered", func(t *testing.T) {
		parts, err := completedParts([]PartResult{{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"}})
		require.NoError(t, err)
		require.Len(t, parts, 2)
		assert.Equal(t, int32(1), aws.ToInt32(parts[0].PartNumber))
		assert.Equal(t, "b", aws.ToString(parts[1].ETag))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := completedParts(nil)
		assert.ErrorIs(t, err, ErrEmptySource)
	})

	for name, parts := range map[string][]PartResult{
		"gap":          {{PartNumber: 1}, {PartNumber: 3}},
		"duplicate":    {{PartNumber: 1}, {PartNumber: 1}},
		"out of order": {{PartNumber: 2}, {PartNumber: 1}},
		"not from one": {{PartNumber: 2}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := completedParts(parts)
			assert.ErrorIs(t, err, ErrNonContiguousParts)
		})
	}
}
