package client

import (
	"context"
	"fmt"
	"io"
	"strings"

	storage "github.com/supabase-community/storage-go"

	"github.com/makeastudio/api/internal/config"
)

// SupabaseStorage implements StorageClient on a public Supabase bucket.
type SupabaseStorage struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

func NewSupabaseStorage(cfg *config.SupabaseConfig) (*SupabaseStorage, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("supabase storage configuration incomplete")
	}

	baseURL := strings.TrimRight(cfg.URL, "/")
	return &SupabaseStorage{
		client:  storage.NewClient(baseURL+"/storage/v1", cfg.ServiceRoleKey, nil),
		bucket:  cfg.Bucket,
		baseURL: baseURL,
	}, nil
}

// Upload writes the object with upsert so a retried relocation replaces
// the same key. storage-go has no context support; ctx is checked up front.
func (s *SupabaseStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	upsert := true
	_, err := s.client.UploadFile(s.bucket, key, body, storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to supabase: %w", err)
	}

	return s.GetPublicURL(key), nil
}

func (s *SupabaseStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.RemoveFile(s.bucket, []string{key}); err != nil {
		return fmt.Errorf("failed to delete from supabase: %w", err)
	}
	return nil
}

func (s *SupabaseStorage) GetPublicURL(key string) string {
	return fmt.Sprintf("%s/%s", s.publicPrefix(), key)
}

func (s *SupabaseStorage) Owns(url string) bool {
	return strings.HasPrefix(url, s.publicPrefix()+"/")
}

func (s *SupabaseStorage) publicPrefix() string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s", s.baseURL, s.bucket)
}
