package weights

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDownloadIfNecessaryFetchesOnce(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("weights-bytes"))
	}))
	defer server.Close()

	home := t.TempDir()
	f := NewFetcher(home)

	path, err := f.DownloadIfNecessary(context.Background(), "yolov8n-face.pt", server.URL)
	if err != nil {
		t.Fatalf("DownloadIfNecessary returned error: %v", err)
	}

	want := filepath.Join(home, ".deepface", "weights", "yolov8n-face.pt")
	if path != want {
		t.Errorf("path = %s, want %s", path, want)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(data) != "weights-bytes" {
		t.Errorf("file content = %q", string(data))
	}

	// Second call must be served from disk.
	if _, err := f.DownloadIfNecessary(context.Background(), "yolov8n-face.pt", server.URL); err != nil {
		t.Fatalf("second DownloadIfNecessary returned error: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("server hit %d times, want 1", got)
	}
}

func TestDownloadIfNecessaryFailureLeavesNoFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer server.Close()

	home := t.TempDir()
	f := NewFetcher(home)

	if _, err := f.DownloadIfNecessary(context.Background(), "yolov8n-face.pt", server.URL); err == nil {
		t.Fatal("expected error for HTTP 403")
	}

	entries, err := os.ReadDir(filepath.Join(home, ".deepface", "weights"))
	if err != nil {
		t.Fatalf("failed to list weights dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty weights dir after failure, found %d entries", len(entries))
	}
}

func TestDownloadIfNecessaryUsesExistingFileOffline(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, ".deepface", "weights")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	existing := filepath.Join(dir, "yolov8n-face.pt")
	if err := os.WriteFile(existing, []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewFetcher(home)
	path, err := f.DownloadIfNecessary(context.Background(), "yolov8n-face.pt", "http://127.0.0.1:1/unreachable")
	if err != nil {
		t.Fatalf("expected cached file to be returned, got error: %v", err)
	}
	if path != existing {
		t.Errorf("path = %s, want %s", path, existing)
	}
}

func TestWeightsDirFromEnvironment(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnvKey, home)

	dir, err := NewFetcher("").WeightsDir()
	if err != nil {
		t.Fatalf("WeightsDir returned error: %v", err)
	}
	if want := filepath.Join(home, ".deepface", "weights"); dir != want {
		t.Errorf("WeightsDir = %s, want %s", dir, want)
	}
}

func TestZeroValueFetcherSharedAcrossGoroutines(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, ".deepface", "weights")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "yolov8n-face.pt"), []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &Fetcher{HomeDir: home}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.DownloadIfNecessary(context.Background(), "yolov8n-face.pt", ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("DownloadIfNecessary returned error: %v", err)
	}
}
