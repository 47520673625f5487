package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"civicreport/ids"
	"civicreport/models"
)

func testDocument() Document {
	return Document{
		ReportID:         "abc123xyz",
		CreatedAt:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Description:      "Pothole on Main St",
		Location:         "Remote",
		Analysis:         models.AnalysisResult{Score: 0.88, Category: "Infrastructure", Summary: "Road damage.", IsAuthentic: true},
		VerificationHash: "0x01",
	}
}

func TestSimulatedUpload(t *testing.T) {
	s := NewSimulated(20 * time.Millisecond)

	start := time.Now()
	id, err := s.Upload(context.Background(), testDocument())
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Upload() returned after %v, want the configured delay", elapsed)
	}
	if !ids.IsStorageID(id) {
		t.Errorf("Upload() id = %q, not a storage id", id)
	}
}

func TestSimulatedUploadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSimulated(time.Hour).Upload(ctx, testDocument()); !errors.Is(err, context.Canceled) {
		t.Errorf("Upload() error = %v, want context.Canceled", err)
	}
}

type fakeS3 struct {
	failures int
	calls    int
	keys     []string
	bodies   [][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("503 slow down")
	}
	body, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, aws.ToString(in.Key))
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3UploadContentAddressed(t *testing.T) {
	fake := &fakeS3{}
	u := newS3Uploader(fake, "bucket", time.Second)

	id, err := u.Upload(context.Background(), testDocument())
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !ids.IsStorageID(id) {
		t.Errorf("id = %q, not a storage id", id)
	}
	if len(fake.keys) != 1 || fake.keys[0] != id {
		t.Fatalf("stored keys = %v, want [%s]", fake.keys, id)
	}
	if want := ids.StorageIDFromContent(fake.bodies[0]); want != id {
		t.Errorf("id = %q, want content derived %q", id, want)
	}

	again, _ := u.Upload(context.Background(), testDocument())
	if again != id {
		t.Errorf("same document produced %q and %q", id, again)
	}
}

func TestS3UploadRetries(t *testing.T) {
	fake := &fakeS3{failures: 2}
	u := newS3Uploader(fake, "bucket", time.Second)
	u.backoff = time.Millisecond

	id, err := u.Upload(context.Background(), testDocument())
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if fake.calls != 3 || id == "" {
		t.Errorf("calls = %d id = %q, want success on third attempt", fake.calls, id)
	}
}

func TestS3UploadFailureDoesNotFabricate(t *testing.T) {
	fake := &fakeS3{failures: s3Attempts}
	u := newS3Uploader(fake, "bucket", time.Second)
	u.backoff = time.Millisecond

	id, err := u.Upload(context.Background(), testDocument())
	if err == nil {
		t.Fatal("Upload() expected an error")
	}
	if id != "" {
		t.Errorf("Upload() returned id %q on failure", id)
	}
	if fake.calls != s3Attempts {
		t.Errorf("calls = %d, want %d", fake.calls, s3Attempts)
	}
}
