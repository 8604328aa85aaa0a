package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/makeastudio/api/internal/model"
)

// AppendLedgerEntry inserts an entry. A second entry with the same
// (reference type, reference id) is not written and ErrDuplicateReference
// is returned.
func (s *SQLStore) AppendLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.timestamp()
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO ledger_entries (owner_id, delta, reason, source, reference_type, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reference_type, reference_id) DO NOTHING`),
		entry.OwnerID, entry.Delta, entry.Reason, entry.Source,
		string(entry.ReferenceType), entry.ReferenceID, toMillis(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if n == 0 {
		return model.ErrDuplicateReference
	}
	return nil
}

func (s *SQLStore) GetLedgerEntry(ctx context.Context, refType model.ReferenceType, refID string) (*model.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, owner_id, delta, reason, source, reference_type, reference_id, created_at
		FROM ledger_entries WHERE reference_type = $1 AND reference_id = $2`),
		string(refType), refID,
	)
	entry, err := scanLedgerEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return entry, nil
}

// Balance sums every delta of the owner.
func (s *SQLStore) Balance(ctx context.Context, ownerID string) (int, error) {
	var balance int64
	if err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE owner_id = $1`),
		ownerID,
	).Scan(&balance); err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	return int(balance), nil
}

// ListLedger returns the newest entries of the owner first.
func (s *SQLStore) ListLedger(ctx context.Context, ownerID string, limit int) ([]*model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, owner_id, delta, reason, source, reference_type, reference_id, created_at
		FROM ledger_entries WHERE owner_id = $1
		ORDER BY id DESC
		LIMIT $2`), ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanLedgerEntry(row rowScanner) (*model.LedgerEntry, error) {
	var (
		e         model.LedgerEntry
		refType   string
		createdAt int64
	)
	if err := row.Scan(&e.ID, &e.OwnerID, &e.Delta, &e.Reason, &e.Source, &refType, &e.ReferenceID, &createdAt); err != nil {
		return nil, err
	}
	e.ReferenceType = model.ReferenceType(refType)
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}

// GetOwnerPreferences returns the stored document or an empty one.
func (s *SQLStore) GetOwnerPreferences(ctx context.Context, ownerID string) (*model.OwnerPreferences, error) {
	var (
		doc       string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT doc, updated_at FROM owner_preferences WHERE owner_id = $1`),
		ownerID,
	).Scan(&doc, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.OwnerPreferences{OwnerID: ownerID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get owner preferences: %w", err)
	}

	var prefs model.OwnerPreferences
	if err := json.Unmarshal([]byte(doc), &prefs); err != nil {
		return nil, fmt.Errorf("decode owner preferences: %w", err)
	}
	prefs.OwnerID = ownerID
	prefs.UpdatedAt = fromMillis(updatedAt)
	return &prefs, nil
}

// SetOwnerPreferences overwrites the owner's document.
func (s *SQLStore) SetOwnerPreferences(ctx context.Context, prefs *model.OwnerPreferences) error {
	prefs.UpdatedAt = s.timestamp()
	doc, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode owner preferences: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO owner_preferences (owner_id, doc, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`),
		prefs.OwnerID, string(doc), toMillis(prefs.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save owner preferences: %w", err)
	}
	return nil
}
