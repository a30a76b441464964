package queue

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/adverant/nexus/facedetect-worker/internal/errors"
	"github.com/adverant/nexus/facedetect-worker/internal/processor"
)

func TestJobPayloadUnmarshalFileBuffer(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []byte
		wantErr bool
	}{
		{
			name: "base64 string",
			body: `{"jobId":"j-1","fileBuffer":"/9j/4A=="}`,
			want: []byte{0xFF, 0xD8, 0xFF, 0xE0},
		},
		{
			name: "node buffer object",
			body: `{"jobId":"j-1","fileBuffer":{"type":"Buffer","data":[137,80,78,71]}}`,
			want: []byte{0x89, 0x50, 0x4E, 0x47},
		},
		{
			name: "absent",
			body: `{"jobId":"j-1","fileUrl":"https://cdn.example.com/a.jpg"}`,
			want: nil,
		},
		{
			name:    "invalid base64",
			body:    `{"jobId":"j-1","fileBuffer":"not base64!"}`,
			wantErr: true,
		},
		{
			name:    "wrong buffer type",
			body:    `{"jobId":"j-1","fileBuffer":{"type":"Blob","data":[1]}}`,
			wantErr: true,
		},
		{
			name:    "byte out of range",
			body:    `{"jobId":"j-1","fileBuffer":{"type":"Buffer","data":[256]}}`,
			wantErr: true,
		},
		{
			name:    "number",
			body:    `{"jobId":"j-1","fileBuffer":42}`,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var p JobPayload
			err := json.Unmarshal([]byte(tc.body), &p)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got payload %+v", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal returned error: %v", err)
			}
			if p.JobID != "j-1" {
				t.Errorf("JobID = %q, want j-1", p.JobID)
			}
			if !bytes.Equal(p.FileBuffer, tc.want) {
				t.Errorf("FileBuffer = %v, want %v", p.FileBuffer, tc.want)
			}
		})
	}
}

func TestJobPayloadMarshalRoundTrip(t *testing.T) {
	in := JobPayload{
		JobID:      "j-2",
		UserID:     "u-1",
		Filename:   "group.png",
		MimeType:   "image/png",
		FileSize:   3,
		FileBuffer: []byte{1, 2, 3},
		Metadata:   map[string]interface{}{"source": "upload"},
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	if !strings.Contains(string(data), `"fileBuffer":"AQID"`) {
		t.Errorf("fileBuffer not base64 encoded: %s", data)
	}

	var out JobPayload
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if out.JobID != in.JobID || out.Filename != in.Filename || !bytes.Equal(out.FileBuffer, in.FileBuffer) {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestRedisJobDataUnmarshal(t *testing.T) {
	body := `{
		"id": "q-7",
		"type": "detect-faces",
		"payload": {"jobId": "j-7", "filename": "a.jpg", "fileBuffer": {"type": "Buffer", "data": [1, 2]}},
		"createdAt": "2024-05-01T10:00:00Z",
		"attempts": 1,
		"maxRetries": 5
	}`

	var job RedisJobData
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if job.ID != "q-7" || job.Payload.JobID != "j-7" || job.Attempts != 1 || job.MaxRetries != 5 {
		t.Errorf("unexpected job: %+v", job)
	}
	if !bytes.Equal(job.Payload.FileBuffer, []byte{1, 2}) {
		t.Errorf("FileBuffer = %v", job.Payload.FileBuffer)
	}
}

func TestJobPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload JobPayload
		wantErr bool
	}{
		{"buffer", JobPayload{JobID: "j", FileBuffer: []byte{1}}, false},
		{"http url", JobPayload{JobID: "j", FileURL: "https://cdn.example.com/a.jpg"}, false},
		{"s3 url", JobPayload{JobID: "j", FileURL: "s3://faces/a.jpg"}, false},
		{"missing job id", JobPayload{FileBuffer: []byte{1}}, true},
		{"missing source", JobPayload{JobID: "j"}, true},
		{"bad url", JobPayload{JobID: "j", FileURL: "not a url"}, true},
		{"negative size", JobPayload{JobID: "j", FileSize: -1, FileBuffer: []byte{1}}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payload.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestToRequest(t *testing.T) {
	p := &JobPayload{
		JobID:      "j-3",
		UserID:     "u-3",
		Filename:   "x.jpg",
		MimeType:   "image/jpeg",
		FileSize:   10,
		FileURL:    "https://cdn.example.com/x.jpg",
		FileBuffer: []byte{9},
		Metadata:   map[string]interface{}{"k": "v"},
	}

	req := p.ToRequest()
	if req.JobID != "j-3" || req.UserID != "u-3" || req.FileURL != p.FileURL || req.FileSize != 10 ||
		req.MimeType != "image/jpeg" || req.Filename != "x.jpg" || len(req.FileBuffer) != 1 || req.Metadata["k"] != "v" {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.NewUnsupportedFormatError("j", "application/pdf"), true},
		{errors.NewInvalidImageError("j", fmt.Errorf("truncated")), true},
		{errors.NewMissingDependencyError("opencv", "build with -tags gocv"), true},
		{fmt.Errorf("wrapped: %w", errors.NewInvalidImageError("j", nil)), true},
		{errors.NewInferenceFailedError("j", "yolo", fmt.Errorf("CUDA out of memory")), false},
		{errors.NewProcessingTimeoutError("j", time.Second, nil), false},
		{errors.NewStorageFailedError("j", fmt.Errorf("reset")), false},
		{fmt.Errorf("connection refused"), false},
	}

	for _, tc := range tests {
		if got := isPermanent(tc.err); got != tc.want {
			t.Errorf("isPermanent(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestMetadataHelpers(t *testing.T) {
	completed := completedMetadata(&processor.ProcessResult{
		FacesDetected:    2,
		MaxConfidence:    0.91,
		Detector:         "yolo",
		ProcessingTimeMs: 40,
	})
	if completed["facesDetected"] != 2 || completed["maxConfidence"] != 0.91 ||
		completed["detector"] != "yolo" || completed["processingTime"] != int64(40) {
		t.Errorf("unexpected completed metadata: %+v", completed)
	}

	failed := failedMetadata(errors.NewInvalidImageError("j", fmt.Errorf("truncated")), 1500*time.Millisecond, 2)
	if failed["errorCode"] != string(errors.ErrorInvalidImage) || failed["processingTime"] != int64(1500) || failed["attempts"] != 2 {
		t.Errorf("unexpected failed metadata: %+v", failed)
	}

	plain := failedMetadata(fmt.Errorf("boom"), 0, 1)
	if plain["errorCode"] != string(errors.ErrorUnknown) || plain["error"] != "boom" {
		t.Errorf("unexpected failed metadata: %+v", plain)
	}
}

func TestProcessingTimeout(t *testing.T) {
	if got := processingTimeout(0); got != DefaultProcessingTimeout {
		t.Errorf("processingTimeout(0) = %v", got)
	}
	if got := processingTimeout(1500); got != 1500*time.Millisecond {
		t.Errorf("processingTimeout(1500) = %v", got)
	}
}
