package minio

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/Strob0t/storepilot/internal/config"
	"github.com/Strob0t/storepilot/internal/domain"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref     string
		bucket  string
		key     string
		wantErr bool
	}{
		{ref: "s3://reports/p1/run.json", bucket: "reports", key: "p1/run.json"},
		{ref: "draft:123", wantErr: true},
		{ref: "s3://reports", wantErr: true},
		{ref: "s3:///key", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			bucket, key, err := ParseRef(tt.ref)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if bucket != tt.bucket || key != tt.key {
				t.Fatalf("got %s/%s", bucket, key)
			}
			if Ref(bucket, key) != tt.ref {
				t.Fatalf("Ref round trip mismatch: %s", Ref(bucket, key))
			}
		})
	}
}

func TestNewRequiresEndpointAndBucket(t *testing.T) {
	if _, err := New(config.ObjectStore{Bucket: "b"}); err == nil {
		t.Fatal("expected error without endpoint")
	}
	if _, err := New(config.ObjectStore{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestPutGet(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_ENDPOINT not set, skipping integration test")
	}

	s, err := New(config.ObjectStore{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    "storepilot-test",
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.EnsureBucket(ctx); err != nil {
		t.Fatal(err)
	}

	key := "reports/" + uuid.NewString() + ".json"
	ref, err := s.Put(ctx, key, []byte(`{"updated":1}`), "application/json")
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"updated":1}` {
		t.Fatalf("unexpected body %s", got)
	}
}
