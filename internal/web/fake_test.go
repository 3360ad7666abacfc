package web

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeStore is an in-memory multipart store. failPart, when set, makes
// UploadPart fail for that part number.
type fakeStore struct {
	failPart int32
	failErr  error

	mu      sync.Mutex
	pending map[string][][]byte
	objects map[string][]byte
	aborted int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pending: map[string][][]byte{},
		objects: map[string][]byte{},
	}
}

func (f *fakeStore) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("upload-%d", len(f.pending)+len(f.objects)+1)
	f.pending[id] = nil
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Bucket: in.Bucket, Key: in.Key}, nil
}

func (f *fakeStore) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if f.failPart != 0 && aws.ToInt32(in.PartNumber) == f.failPart {
		return nil, f.failErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	f.pending[id] = append(f.pending[id], body)
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"%s-%d"`, id, aws.ToInt32(in.PartNumber)))}, nil
}

func (f *fakeStore) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	f.objects[aws.ToString(in.Key)] = bytes.Join(f.pending[id], nil)
	delete(f.pending, id)
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(`"final"`)}, nil
}

func (f *fakeStore) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, aws.ToString(in.UploadId))
	f.aborted++
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeStore) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}
