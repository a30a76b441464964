/**
 * Weights cache for pretrained detector models
 *
 * Resolves model weight files under <home>/.deepface/weights and downloads
 * them once from their source URL. Later lookups are served from disk.
 */

package weights

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/adverant/nexus/facedetect-worker/internal/logging"
)

// HomeEnvKey overrides the cache root directory
const HomeEnvKey = "DEEPFACE_HOME"

var logger = logging.NewLogger("weights")

// Fetcher downloads weight files into the local cache on first use.
// The zero value resolves the home directory from the environment.
type Fetcher struct {
	HomeDir    string
	HTTPClient *http.Client
}

// NewFetcher creates a fetcher rooted at homeDir (empty = resolve from environment)
func NewFetcher(homeDir string) *Fetcher {
	return &Fetcher{
		HomeDir: homeDir,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// WeightsDir returns <home>/.deepface/weights
func (f *Fetcher) WeightsDir() (string, error) {
	home := f.HomeDir
	if home == "" {
		home = os.Getenv(HomeEnvKey)
	}
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		home = userHome
	}
	return filepath.Join(home, ".deepface", "weights"), nil
}

// DownloadIfNecessary returns the local path of fileName, fetching it from
// sourceURL when it is not cached yet.
func (f *Fetcher) DownloadIfNecessary(ctx context.Context, fileName string, sourceURL string) (string, error) {
	if fileName == "" {
		return "", fmt.Errorf("file name is required")
	}

	dir, err := f.WeightsDir()
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, fileName)

	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		logger.Debug("Weights already cached", "file", target)
		return target, nil
	}

	if sourceURL == "" {
		return "", fmt.Errorf("weights file %s not found and no source URL given", target)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create weights directory %s: %w", dir, err)
	}

	logger.Info("Downloading weights", "file", fileName, "source", sourceURL, "target", target)
	startTime := time.Now()

	written, err := f.download(ctx, sourceURL, dir, target)
	if err != nil {
		return "", fmt.Errorf("failed to download %s from %s: %w", fileName, sourceURL, err)
	}

	logger.Info("Weights downloaded", "file", target, "bytes", written, "duration", time.Since(startTime))
	return target, nil
}

// download streams the body into a temp file in dir and renames it onto target
func (f *Fetcher) download(ctx context.Context, sourceURL, dir, target string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written == 0 {
		err = fmt.Errorf("empty response body")
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, err
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to move weights into place: %w", err)
	}

	return written, nil
}
