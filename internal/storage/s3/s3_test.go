package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeAPI is an in-memory bucket.
type fakeAPI struct {
	mu      sync.Mutex
	objects map[string][]byte
	calls   []string
	copyErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string][]byte)}
}

func (f *fakeAPI) record(op, key string) {
	f.calls = append(f.calls, op+" "+key)
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.record("put", aws.ToString(in.Key))
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeAPI) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("copy", aws.ToString(in.Key))
	if f.copyErr != nil {
		return nil, f.copyErr
	}
	src := strings.TrimPrefix(aws.ToString(in.CopySource), aws.ToString(in.Bucket)+"/")
	data, ok := f.objects[src]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	f.record("delete", aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeAPI) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Prefix != "baselines/" {
		t.Errorf("Prefix = %q, want baselines/", cfg.Prefix)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty region", func(c *Config) { c.Region = "" }, true},
		{"empty bucket", func(c *Config) { c.Bucket = "" }, true},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPutGoesThroughTemporaryKey(t *testing.T) {
	api := newFakeAPI()
	c := newClient(api, DefaultConfig(), nil)

	if err := c.Put(context.Background(), "current.json.zst", []byte("model-v1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if len(api.calls) != 3 {
		t.Fatalf("calls = %v, want put, copy, delete", api.calls)
	}
	if !strings.HasPrefix(api.calls[0], "put baselines/current.json.zst.tmp-") {
		t.Errorf("first call = %q, want temp put", api.calls[0])
	}
	if api.calls[1] != "copy baselines/current.json.zst" {
		t.Errorf("second call = %q, want copy onto final key", api.calls[1])
	}
	if !strings.HasPrefix(api.calls[2], "delete baselines/current.json.zst.tmp-") {
		t.Errorf("third call = %q, want temp delete", api.calls[2])
	}
	if len(api.objects) != 1 {
		t.Errorf("bucket holds %d objects, want only the final key", len(api.objects))
	}

	got, err := c.Get(context.Background(), "current.json.zst")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "model-v1" {
		t.Errorf("Get() = %q, want model-v1", got)
	}
	if m := c.GetMetrics(); m.BytesUploaded != 8 || m.BytesDownloaded != 8 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestPutFailedCopyKeepsPreviousObject(t *testing.T) {
	api := newFakeAPI()
	c := newClient(api, DefaultConfig(), nil)
	if err := c.Put(context.Background(), "current", []byte("old")); err != nil {
		t.Fatal(err)
	}

	api.copyErr = errors.New("throttled")
	if err := c.Put(context.Background(), "current", []byte("new")); err == nil {
		t.Fatal("Put() error = nil, want copy failure")
	}

	got, err := c.Get(context.Background(), "current")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "old" {
		t.Errorf("Get() = %q, want previous object", got)
	}
	if len(api.objects) != 1 {
		t.Errorf("temporary object leaked: %d objects", len(api.objects))
	}
}

func TestGetMissing(t *testing.T) {
	c := newClient(newFakeAPI(), DefaultConfig(), nil)
	_, err := c.Get(context.Background(), "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestLocation(t *testing.T) {
	c := newClient(newFakeAPI(), DefaultConfig(), nil)
	if got := c.Location("current"); got != "s3://iam-monitor-models/baselines/current" {
		t.Errorf("Location() = %q", got)
	}
}
