package clients

import (
	"bytes"
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adverant/nexus/facedetect-worker/internal/errors"
)

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		raw        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{"s3://faces/uploads/2024/img.jpg", "faces", "uploads/2024/img.jpg", false},
		{"s3://faces/img.png", "faces", "img.png", false},
		{"s3://faces/", "", "", true},
		{"s3:///img.png", "", "", true},
		{"https://faces.s3.amazonaws.com/img.png", "", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			bucket, key, err := ParseS3URL(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got bucket=%s key=%s", bucket, key)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseS3URL returned error: %v", err)
			}
			if bucket != tc.wantBucket || key != tc.wantKey {
				t.Errorf("got (%s, %s), want (%s, %s)", bucket, key, tc.wantBucket, tc.wantKey)
			}
		})
	}
}

// newObjectServer serves a single object with path-style addressing
func newObjectServer(t *testing.T, path string, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.ServeContent(w, r, "object", time.Unix(0, 0), bytes.NewReader(body))
	}))
}

func TestS3ClientDownload(t *testing.T) {
	body := bytes.Repeat([]byte{0xff, 0xd8, 0x01}, 1000)
	server := newObjectServer(t, "/faces/uploads/img.jpg", body)
	defer server.Close()

	client, err := NewS3Client(S3Config{
		Region:          "us-east-1",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		Endpoint:        server.URL,
	})
	if err != nil {
		t.Fatalf("NewS3Client returned error: %v", err)
	}

	data, err := client.Download(context.Background(), "s3://faces/uploads/img.jpg", 1<<20)
	if err != nil {
		t.Fatalf("Download returned error: %v", err)
	}
	if !bytes.Equal(data, body) {
		t.Errorf("downloaded %d bytes, want %d", len(data), len(body))
	}

	if _, err := client.Download(context.Background(), "s3://faces/uploads/img.jpg", 100); !stderrors.Is(err, errors.ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
	if _, err := client.Download(context.Background(), "s3://faces/missing.jpg", 0); err == nil {
		t.Error("expected error for missing object")
	}
}
