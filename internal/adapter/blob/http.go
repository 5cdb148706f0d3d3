package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lumina/backend/internal/apperr"
)

// HTTP downloads presigned http(s) links.
type HTTP struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTP(client *http.Client, maxBytes int64) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTP{client: client, maxBytes: maxBytes}
}

func (d *HTTP) Download(ctx context.Context, link string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, apperr.Validation("download http", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, apperr.Transient("download http", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return nil, apperr.Transient("download http", fmt.Errorf("blob storage returned %s", resp.Status))
	default:
		return nil, apperr.Validation("download http", fmt.Errorf("blob storage returned %s", resp.Status))
	}

	if d.maxBytes > 0 && resp.ContentLength > d.maxBytes {
		return nil, tooLarge("download http", resp.ContentLength, d.maxBytes)
	}

	body := io.Reader(resp.Body)
	if d.maxBytes > 0 {
		body = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apperr.Transient("download http", err)
	}
	if d.maxBytes > 0 && int64(len(data)) > d.maxBytes {
		return nil, tooLarge("download http", int64(len(data)), d.maxBytes)
	}
	return data, nil
}

// File reads file:// links below Root. It serves the train command. Paths
// are compared after resolving symlinks, so a link under Root cannot point
// outside it.
type File struct {
	Root     string
	MaxBytes int64
}

func (d File) Download(_ context.Context, link string) ([]byte, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, apperr.Validation("download file", err)
	}
	path, err := resolve(u.Path)
	if err != nil {
		return nil, apperr.Validation("download file", err)
	}
	if d.Root != "" {
		root, err := resolve(d.Root)
		if err != nil {
			return nil, apperr.Validation("download file", err)
		}
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			return nil, apperr.Validation("download file", fmt.Errorf("%s is outside %s", u.Path, d.Root))
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, apperr.Validation("download file", err)
	}
	if d.MaxBytes > 0 && info.Size() > d.MaxBytes {
		return nil, tooLarge("download file", info.Size(), d.MaxBytes)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is confined to Root when configured
	if err != nil {
		return nil, apperr.Transient("download file", err)
	}
	return data, nil
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// FileLink turns a local path into a file:// link.
func FileLink(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
