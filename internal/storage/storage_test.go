package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

type stubObjects struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (s *stubObjects) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.inputs = append(s.inputs, params)
	body, _ := io.ReadAll(params.Body)
	s.bodies = append(s.bodies, body)
	if s.err != nil {
		return nil, s.err
	}
	return &s3.PutObjectOutput{}, nil
}

type stubPresigner struct {
	expires time.Duration
	key     string
}

func (s *stubPresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := &s3.PresignOptions{}
	for _, fn := range optFns {
		fn(opts)
	}
	s.expires = opts.Expires
	s.key = aws.ToString(params.Key)
	return &v4.PresignedHTTPRequest{URL: "https://storage.example/" + s.key}, nil
}

func TestUploadSendsObject(t *testing.T) {
	objects := &stubObjects{}
	store := &ObjectStore{client: objects, bucket: "holds", logger: zap.NewNop()}

	if err := store.Upload(context.Background(), "mask/req.png", "image/png", []byte("png")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in := objects.inputs[0]
	if aws.ToString(in.Bucket) != "holds" || aws.ToString(in.Key) != "mask/req.png" || aws.ToString(in.ContentType) != "image/png" {
		t.Fatalf("unexpected input %+v", in)
	}
	if string(objects.bodies[0]) != "png" {
		t.Fatalf("unexpected body %q", objects.bodies[0])
	}
}

func TestUploadWrapsErrors(t *testing.T) {
	root := errors.New("access denied")
	store := &ObjectStore{client: &stubObjects{err: root}, bucket: "holds", logger: zap.NewNop()}
	if err := store.Upload(context.Background(), "k", "image/png", nil); !errors.Is(err, root) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestPresignGetUsesConfiguredTTL(t *testing.T) {
	presigner := &stubPresigner{}
	store := &ObjectStore{presigner: presigner, bucket: "holds", presignTTL: 30 * time.Minute, logger: zap.NewNop()}

	url, err := store.PresignGet(context.Background(), "processed/req.png", "image/png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://storage.example/processed/req.png" {
		t.Fatalf("unexpected url %s", url)
	}
	if presigner.expires != 30*time.Minute {
		t.Fatalf("unexpected expiry %v", presigner.expires)
	}
}
