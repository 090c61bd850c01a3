package store

import (
	"context"
	"database/sql"
	"time"
)

// MediaFingerprint maps a source media fingerprint to the file id the peer
// platform assigned when the item was first uploaded, so later forwards can
// reuse it without re-uploading.
type MediaFingerprint struct {
	Hash          string
	PeerFileID    string
	MediaKind     string
	IsAnimated    bool
	MimeType      string
	CreatedAt     time.Time
	LastUsedAt    time.Time
	LastCheckedAt time.Time
}

// SaveMediaFingerprint upserts a cache entry.
func (s *Store) SaveMediaFingerprint(ctx context.Context, fp MediaFingerprint) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.Exec(ctx, `
		INSERT INTO media_fingerprint (fingerprint_hash, peer_file_id, media_kind, is_animated, mime_type, created_at, last_used_at, last_checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (fingerprint_hash)
		DO UPDATE SET peer_file_id=excluded.peer_file_id, media_kind=excluded.media_kind,
		              is_animated=excluded.is_animated, mime_type=excluded.mime_type,
		              last_used_at=excluded.last_used_at, last_checked_at=excluded.last_checked_at
	`, fp.Hash, fp.PeerFileID, fp.MediaKind, fp.IsAnimated, fp.MimeType, now, now, now)
	return err
}

// GetMediaFingerprint fetches a cache entry, nil when absent.
func (s *Store) GetMediaFingerprint(ctx context.Context, hash string) (*MediaFingerprint, error) {
	var fp MediaFingerprint
	var created, used, checked int64
	err := s.DB.QueryRow(ctx, `
		SELECT fingerprint_hash, peer_file_id, media_kind, is_animated, mime_type, created_at, last_used_at, last_checked_at
		FROM media_fingerprint WHERE fingerprint_hash=$1
	`, hash).Scan(&fp.Hash, &fp.PeerFileID, &fp.MediaKind, &fp.IsAnimated, &fp.MimeType, &created, &used, &checked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fp.CreatedAt = time.UnixMilli(created)
	fp.LastUsedAt = time.UnixMilli(used)
	fp.LastCheckedAt = time.UnixMilli(checked)
	return &fp, nil
}

// TouchMediaFingerprint bumps last_used_at on reuse.
func (s *Store) TouchMediaFingerprint(ctx context.Context, hash string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE media_fingerprint SET last_used_at=$1 WHERE fingerprint_hash=$2
	`, time.Now().UnixMilli(), hash)
	return err
}

// MarkMediaFingerprintChecked records a successful reachability recheck.
func (s *Store) MarkMediaFingerprintChecked(ctx context.Context, hash string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE media_fingerprint SET last_checked_at=$1 WHERE fingerprint_hash=$2
	`, time.Now().UnixMilli(), hash)
	return err
}

// DeleteMediaFingerprint drops a cache entry.
func (s *Store) DeleteMediaFingerprint(ctx context.Context, hash string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM media_fingerprint WHERE fingerprint_hash=$1`, hash)
	return err
}

// SweepMediaFingerprints deletes entries not used since the cutoff and
// returns how many were removed. Correctness does not depend on the sweep;
// it only bounds cache growth.
func (s *Store) SweepMediaFingerprints(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.Exec(ctx, `DELETE FROM media_fingerprint WHERE last_used_at < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return rows, nil
}
