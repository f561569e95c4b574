package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"SettleHub/internal/node"
)

// SnapshotManager persists and loads full node state snapshots. On warm
// restart the shell loads the latest snapshot and replays it through
// node.RestoreFromSnapshot before the command loop starts.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a node snapshot, keyed on the message nonce at
// capture time. Re-saving the same nonce overwrites.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, chainID uint64, snap *node.SnapshotState) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO settle.node_snapshots
			(snapshot_id, chain_id, message_nonce, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_id, message_nonce) DO UPDATE SET
			data = EXCLUDED.data, size_bytes = EXCLUDED.size_bytes
	`, uuid.New(), chainID, snap.MessageNonce, data, len(data), time.Now().UTC())

	return err
}

// LoadLatestSnapshot loads the most recent snapshot for this chain.
// Returns (nil, nil) when no snapshot exists, which means cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, chainID uint64) (*node.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM settle.node_snapshots
		WHERE chain_id = $1
		ORDER BY message_nonce DESC
		LIMIT 1
	`, chainID)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap node.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// PruneSnapshots keeps the newest n snapshots for a chain and deletes
// the rest.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, chainID uint64, keep int) error {
	_, err := sm.db.ExecContext(ctx, `
		DELETE FROM settle.node_snapshots
		WHERE chain_id = $1 AND message_nonce NOT IN (
			SELECT message_nonce FROM settle.node_snapshots
			WHERE chain_id = $1
			ORDER BY message_nonce DESC
			LIMIT $2
		)
	`, chainID, keep)
	return err
}
