package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ipguard/internal/config"
	"ipguard/internal/geo"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	userAgent          = "ipguard-geolite-updater/1.0"
)

// ErrNoAPIKey indicates that the GeoLite API key has not been configured.
var ErrNoAPIKey = errors.New("geolite: api key is not configured")

type downloadTarget struct {
	editionID string
	filename  string
}

var downloadTargets = []downloadTarget{
	{editionID: "GeoLite2-City", filename: geo.CityFileName},
}

// Updater downloads MaxMind editions into a data directory. Concurrent calls
// to Update share one download.
type Updater struct {
	httpClient *http.Client
	baseURL    string
	dataDir    string
	apiKey     func() string
	reload     func() error
	publish    func(ctx context.Context, files []string) error
	markDone   func(time.Time) error

	group singleflight.Group
}

var defaultUpdater = &Updater{
	httpClient: &http.Client{Timeout: 2 * time.Minute},
	baseURL:    maxMindDownloadURL,
	dataDir:    geo.DataDir,
	apiKey:     func() string { return config.GetConfig().GeoLite.APIKey },
	reload:     geo.ReloadFromDisk,
	publish:    PublishGeoLiteDatabases,
	markDone:   config.MarkGeoLiteUpdated,
}

// UpdateDatabases refreshes the GeoLite2 City database with the configured
// API key, reloads the geolocation reader and shares the file with other
// instances through redis. It returns true when an update was performed.
func UpdateDatabases(ctx context.Context) (bool, error) {
	return defaultUpdater.Update(ctx)
}

func (u *Updater) Update(ctx context.Context) (bool, error) {
	result, err, _ := u.group.Do("update", func() (interface{}, error) {
		apiKey := strings.TrimSpace(u.apiKey())
		if apiKey == "" {
			return false, ErrNoAPIKey
		}

		if err := os.MkdirAll(u.dataDir, 0o755); err != nil {
			return false, fmt.Errorf("ensure data dir: %w", err)
		}

		files := make([]string, 0, len(downloadTargets))
		for _, target := range downloadTargets {
			if err := u.downloadEdition(ctx, apiKey, target); err != nil {
				return false, err
			}
			files = append(files, target.filename)
		}

		if u.reload != nil {
			if err := u.reload(); err != nil {
				return false, fmt.Errorf("reload geolite: %w", err)
			}
		}

		if u.markDone != nil {
			if err := u.markDone(time.Now().UTC()); err != nil {
				log.Warn("Failed to persist GeoLite updated timestamp", "error", err)
			}
		}

		if u.publish != nil {
			if err := u.publish(ctx, files); err != nil {
				log.Warn("Failed to publish GeoLite databases to redis", "error", err)
			}
		}

		return true, nil
	})
	if err != nil {
		return false, err
	}

	updated, _ := result.(bool)
	return updated, nil
}

func (u *Updater) downloadEdition(ctx context.Context, apiKey string, target downloadTarget) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.downloadURL(apiKey, target.editionID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", target.editionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", target.editionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return extractEdition(resp.Body, target, filepath.Join(u.dataDir, target.filename))
}

// extractEdition copies the edition's mmdb file out of a MaxMind tar.gz
// archive into destPath.
func extractEdition(archive io.Reader, target downloadTarget, destPath string) error {
	gzipReader, err := gzip.NewReader(archive)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", target.editionID, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", target.editionID, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != target.filename {
			continue
		}

		if err := writeToFile(destPath, tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", target.editionID, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", target.editionID)
}

// writeToFile replaces destPath atomically through a temp file in the same
// directory.
func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmpFile.Name(), destPath)
}

func (u *Updater) downloadURL(apiKey, edition string) string {
	q := url.Values{}
	q.Set("edition_id", edition)
	q.Set("license_key", apiKey)
	q.Set("suffix", "tar.gz")
	return u.baseURL + "?" + q.Encode()
}
