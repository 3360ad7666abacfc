package upload

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// mockS3Client implements API with overridable functions. Without an
// override every call succeeds. Calls are recorded for assertions.
type mockS3Client struct {
	CreateMultipartUploadFunc   func(ctx context.Context, in *s3.CreateMultipartUploadInput) (*s3.CreateMultipartUploadOutput, error)
	UploadPartFunc              func(ctx context.Context, in *s3.UploadPartInput, body []byte) (*s3.UploadPartOutput, error)
	CompleteMultipartUploadFunc func(ctx context.Context, in *s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUploadFunc    func(ctx context.Context, in *s3.AbortMultipartUploadInput) (*s3.AbortMultipartUploadOutput, error)

	mu        sync.Mutex
	creates   []*s3.CreateMultipartUploadInput
	parts     []uploadedPart
	completes []*s3.CompleteMultipartUploadInput
	aborts    []*s3.AbortMultipartUploadInput
}

type uploadedPart struct {
	number int32
	body   []byte
}

func (m *mockS3Client) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	m.creates = append(m.creates, in)
	m.mu.Unlock()
	if m.CreateMultipartUploadFunc != nil {
		return m.CreateMultipartUploadFunc(ctx, in)
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (m *mockS3Client) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.parts = append(m.parts, uploadedPart{number: aws.ToInt32(in.PartNumber), body: body})
	m.mu.Unlock()
	if m.UploadPartFunc != nil {
		return m.UploadPartFunc(ctx, in, body)
	}
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"etag-%d"`, aws.ToInt32(in.PartNumber)))}, nil
}

func (m *mockS3Client) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	m.completes = append(m.completes, in)
	m.mu.Unlock()
	if m.CompleteMultipartUploadFunc != nil {
		return m.CompleteMultipartUploadFunc(ctx, in)
	}
	return &s3.CompleteMultipartUploadOutput{
		Location: aws.String(fmt.Sprintf("https://%s.s3.amazonaws.com/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))),
		ETag:     aws.String(`"final-etag"`),
	}, nil
}

func (m *mockS3Client) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	m.aborts = append(m.aborts, in)
	m.mu.Unlock()
	if m.AbortMultipartUploadFunc != nil {
		return m.AbortMultipartUploadFunc(ctx, in)
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

// partSizes returns the body length of every UploadPart call in order.
func (m *mockS3Client) partSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.parts))
	for i, p := range m.parts {
		sizes[i] = len(p.body)
	}
	return sizes
}

// noRemoteCalls reports whether the mock saw no API call at all.
func (m *mockS3Client) noRemoteCalls() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creates)+len(m.parts)+len(m.completes)+len(m.aborts) == 0
}

func apiError(code string, fault smithy.ErrorFault) error {
	return &smithy.GenericAPIError{Code: code, Message: code + " from test", Fault: fault}
}

// failingReader returns err after yielding data.
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}
