package client

import (
	"fmt"

	"github.com/makeastudio/api/internal/config"
)

// NewStorage builds the configured permanent store. It returns nil without
// an error when the selected backend has no credentials.
func NewStorage(cfg *config.Config) (StorageClient, error) {
	switch cfg.Storage.Backend {
	case "r2", "":
		if cfg.R2.AccessKeyID == "" || cfg.R2.SecretAccessKey == "" {
			return nil, nil
		}
		return NewR2Client(&cfg.R2)
	case "supabase":
		if cfg.Supabase.ServiceRoleKey == "" {
			return nil, nil
		}
		return NewSupabaseStorage(&cfg.Supabase)
	}
	return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
}
