package service

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeastudio/api/internal/client"
)

const defaultFetchMaxBytes = 200 << 20

// Relocator copies ephemeral provider output into permanent storage.
type Relocator struct {
	storage    client.StorageClient
	httpClient *http.Client
	maxBytes   int64
	logger     zerolog.Logger
}

func NewRelocator(storage client.StorageClient, maxBytes int64, logger zerolog.Logger) *Relocator {
	if maxBytes <= 0 {
		maxBytes = defaultFetchMaxBytes
	}
	return &Relocator{
		storage:    storage,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		maxBytes:   maxBytes,
		logger:     logger.With().Str("component", "relocator").Logger(),
	}
}

// Relocation is the result of one Relocate call.
type Relocation struct {
	URL         string `json:"url"`
	Key         string `json:"key,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Bytes       int    `json:"bytes,omitempty"`
	Copied      bool   `json:"copied"`
}

// Relocate returns a permanent URL for sourceURL. URLs already in storage
// come back unchanged. The object key is derived from the source URL so a
// repeated call overwrites the same object.
func (r *Relocator) Relocate(ctx context.Context, sourceURL, keyPrefix string) (*Relocation, error) {
	if r.storage == nil {
		r.logger.Warn().Str("url", sourceURL).Msg("no permanent storage configured, keeping provider URL")
		return &Relocation{URL: sourceURL}, nil
	}
	if r.storage.Owns(sourceURL) {
		return &Relocation{URL: sourceURL}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch provider output: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch provider output: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read provider output: %w", err)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, fmt.Errorf("provider output exceeds %d bytes", r.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	} else {
		contentType = http.DetectContentType(body)
	}

	key := objectKey(keyPrefix, sourceURL, contentType)
	permanent, err := r.storage.Upload(ctx, key, bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("store output: %w", err)
	}

	r.logger.Info().Str("key", key).Int("bytes", len(body)).Msg("output relocated")
	return &Relocation{
		URL:         permanent,
		Key:         key,
		ContentType: contentType,
		Bytes:       len(body),
		Copied:      true,
	}, nil
}

// objectKey is prefix/<first 16 hex of sha1(url)><ext>.
func objectKey(prefix, sourceURL, contentType string) string {
	sum := sha1.Sum([]byte(sourceURL))
	name := hex.EncodeToString(sum[:])[:16] + extensionFor(sourceURL, contentType)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func extensionFor(sourceURL, contentType string) string {
	if u, err := url.Parse(sourceURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
