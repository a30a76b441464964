package storage

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/adverant/nexus/facedetect-worker/internal/detector"
)

func TestSanitizeConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.9632000000000001, 0.9632},
		{0.25, 0.25},
		{0.99996, 1.0},
		{-0.1, 0.0},
		{1.7, 1.0},
		{0.12344, 0.1234},
	}

	for _, tc := range tests {
		if got := sanitizeConfidence(tc.in); got != tc.want {
			t.Errorf("sanitizeConfidence(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"null escape", `{"filename":"a\u0000b.jpg"}`, `{"filename":"ab.jpg"}`},
		{"control escape", `{"note":"x\u0007y"}`, `{"note":"x y"}`},
		{"escaped backslash before u0000", `{"path":"a\\u0000"}`, `{"path":"a\\u0000"}`},
		{"escaped backslash before u001f", `{"path":"a\\u001f"}`, `{"path":"a\\u001f"}`},
		{"escaped backslash then null escape", `{"path":"a\\\u0000b"}`, `{"path":"a\\b"}`},
		{"printable escape untouched", `{"note":"\u0041"}`, `{"note":"\u0041"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := sanitizeJSONForPostgres([]byte(tc.in))
			if string(got) != tc.want {
				t.Errorf("sanitizeJSONForPostgres(%s) = %s, want %s", tc.in, got, tc.want)
			}
			if !json.Valid(got) {
				t.Errorf("result is not valid JSON: %s", got)
			}
		})
	}
}

func TestEyeColumns(t *testing.T) {
	x, y := eyeColumns(nil)
	if x != nil || y != nil {
		t.Errorf("nil eye should map to NULL columns, got %v %v", x, y)
	}
	x, y = eyeColumns(&detector.Point{X: 3, Y: 4})
	if x != 3 || y != 4 {
		t.Errorf("got %v %v, want 3 4", x, y)
	}
}

func TestFacialAreaRowRegion(t *testing.T) {
	row := facialAreaRow{
		X:          80,
		Y:          70,
		W:          40,
		H:          60,
		RightEyeX:  sql.NullInt64{Int64: 110, Valid: true},
		RightEyeY:  sql.NullInt64{Int64: 90, Valid: true},
		LeftEyeX:   sql.NullInt64{Int64: 90, Valid: true},
		Confidence: 0.9,
	}

	r := row.region()
	if r.X != 80 || r.Y != 70 || r.W != 40 || r.H != 60 || r.Confidence != 0.9 {
		t.Errorf("unexpected region: %+v", r)
	}
	if r.RightEye == nil || *r.RightEye != (detector.Point{X: 110, Y: 90}) {
		t.Errorf("RightEye = %v", r.RightEye)
	}
	if r.LeftEye != nil {
		t.Errorf("LeftEye with a NULL column should be nil, got %v", r.LeftEye)
	}
}

// TestPostgresRoundTrip needs a scratch database in TEST_DATABASE_URL
func TestPostgresRoundTrip(t *testing.T) {
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skipf("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	client, err := NewPostgresClient(databaseURL)
	if err != nil {
		t.Fatalf("NewPostgresClient returned error: %v", err)
	}
	defer client.Close()

	if err := client.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema returned error: %v", err)
	}

	jobID := uuid.New().String()
	if err := client.UpdateJobStatus(ctx, &JobUpdate{
		JobID:    jobID,
		Status:   "processing",
		Metadata: map[string]interface{}{"filename": "group.jpg", "userId": "u-1"},
	}); err != nil {
		t.Fatalf("UpdateJobStatus returned error: %v", err)
	}

	regions := []detector.FacialAreaRegion{
		{X: 80, Y: 70, W: 40, H: 60, RightEye: &detector.Point{X: 110, Y: 90}, LeftEye: &detector.Point{X: 90, Y: 90}, Confidence: 0.9},
		{X: 10, Y: 12, W: 20, H: 22, Confidence: 0.40000000000000002},
	}
	ids, err := client.StoreFacialAreas(ctx, jobID, regions)
	if err != nil {
		t.Fatalf("StoreFacialAreas returned error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}

	// Storing again replaces the rows
	if _, err := client.StoreFacialAreas(ctx, jobID, regions); err != nil {
		t.Fatalf("second StoreFacialAreas returned error: %v", err)
	}

	got, err := client.GetFacialAreas(ctx, jobID)
	if err != nil {
		t.Fatalf("GetFacialAreas returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d regions, want 2", len(got))
	}
	if got[0].X != 80 || got[0].RightEye == nil || got[0].RightEye.X != 110 || got[1].LeftEye != nil {
		t.Errorf("unexpected regions: %+v", got)
	}

	if err := client.UpdateJobStatus(ctx, &JobUpdate{
		JobID:         jobID,
		Status:        "completed",
		FacesDetected: 2,
		MaxConfidence: 0.9,
		Detector:      "yolo",
	}); err != nil {
		t.Fatalf("UpdateJobStatus returned error: %v", err)
	}

	job, err := client.GetJobByID(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJobByID returned error: %v", err)
	}
	if job["status"] != "completed" || job["facesDetected"] != int64(2) || job["filename"] != "group.jpg" {
		t.Errorf("unexpected job row: %+v", job)
	}
}
