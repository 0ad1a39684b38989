package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/npezzotti/go-fitsocial/internal/types"
)

const (
	defaultUploadTimeout = 30 * time.Second
	maxResponseBytes     = 1 << 16
)

var ErrUpload = errors.New("media upload failed")

// Uploader stores attachment bytes and returns their durable URL.
type Uploader interface {
	Upload(ctx context.Context, m types.Media) (string, error)
}

// HTTPUploader posts media to an upload endpoint that answers with
// {"url": "..."}.
type HTTPUploader struct {
	endpoint string
	client   *http.Client
}

func NewHTTPUploader(endpoint string, client *http.Client) (*HTTPUploader, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid upload endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultUploadTimeout}
	}

	return &HTTPUploader{endpoint: endpoint, client: client}, nil
}

type uploadResponse struct {
	Url string `json:"url"`
}

func (u *HTTPUploader) Upload(ctx context.Context, m types.Media) (string, error) {
	if len(m.Data) == 0 {
		return "", fmt.Errorf("%w: %s is empty", ErrUpload, m.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(m.Data))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(m.Data)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Media-Name", m.Name)

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrUpload, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s returned %d", ErrUpload, u.endpoint, resp.StatusCode)
	}

	var out uploadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrUpload, err)
	}
	if out.Url == "" {
		return "", fmt.Errorf("%w: response has no url", ErrUpload)
	}

	return out.Url, nil
}
