// Package store provides SQLite-backed persistence for the dispatcher's
// transfer records and per-protocol sequence-number state, so both
// survive a daemon restart.
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/l2dispatch/internal/hsm"
	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
)

// Store wraps a SQLite connection holding the dispatcher's durable state.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Config holds store configuration.
type Config struct {
	DataDir string
}

// Open creates (or reopens) the dispatcher's SQLite database under
// cfg.DataDir and applies its schema.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, l2err.Wrap(l2err.Config, "failed to create data directory", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "l2dispatch.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, l2err.Wrap(l2err.Config, "failed to open store database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, l2err.Wrap(l2err.Config, "failed to ping store database", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS protocol_state (
		protocol_id  TEXT PRIMARY KEY,
		sequence_num INTEGER NOT NULL DEFAULT 0,
		synced       INTEGER NOT NULL DEFAULT 0,
		updated_at   INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transfers (
		nonce            TEXT PRIMARY KEY,
		from_protocol    TEXT NOT NULL,
		to_protocol      TEXT NOT NULL,
		asset_id         TEXT NOT NULL,
		amount           TEXT NOT NULL,
		source_tx_id     TEXT,
		destination_tx_id TEXT,
		requires_manual  INTEGER NOT NULL DEFAULT 0,
		failure_reason   TEXT,
		created_at       INTEGER NOT NULL,
		completed_at     INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_requires_manual ON transfers(requires_manual);

	CREATE TABLE IF NOT EXISTS audit_log_meta (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		chain_file   TEXT NOT NULL,
		last_hash    TEXT NOT NULL,
		entry_count  INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hsm_keys (
		handle       TEXT PRIMARY KEY,
		sealed_blob  BLOB NOT NULL,
		created_at   INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return l2err.Wrap(l2err.Config, "failed to initialize store schema", err)
	}
	return nil
}

// PersistedTransfer is the serializable form of manager.TransferRecord;
// it is defined here rather than imported from package manager to avoid
// a manager -> store -> manager import cycle (manager depends on store,
// not the reverse).
type PersistedTransfer struct {
	Nonce           layer2.Nonce
	FromProtocol    layer2.ProtocolID
	ToProtocol      layer2.ProtocolID
	AssetID         layer2.AssetID
	Amount          string
	SourceTxID      layer2.TxID
	DestinationTxID layer2.TxID
	RequiresManual  bool
	FailureReason   string
	CreatedAt       time.Time
	CompletedAt     time.Time
}

// SaveTransfer upserts a transfer record, keyed by nonce.
func (s *Store) SaveTransfer(t PersistedTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt sql.NullInt64
	if !t.CompletedAt.IsZero() {
		completedAt = sql.NullInt64{Int64: t.CompletedAt.Unix(), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO transfers (nonce, from_protocol, to_protocol, asset_id, amount,
			source_tx_id, destination_tx_id, requires_manual, failure_reason, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(nonce) DO UPDATE SET
			source_tx_id = excluded.source_tx_id,
			destination_tx_id = excluded.destination_tx_id,
			requires_manual = excluded.requires_manual,
			failure_reason = excluded.failure_reason,
			completed_at = excluded.completed_at
	`, string(t.Nonce[:]), string(t.FromProtocol), string(t.ToProtocol), string(t.AssetID), t.Amount,
		string(t.SourceTxID), string(t.DestinationTxID), t.RequiresManual, t.FailureReason,
		t.CreatedAt.Unix(), completedAt)
	if err != nil {
		return l2err.Wrap(l2err.Internal, "failed to persist transfer record", err)
	}
	return nil
}

// LoadPendingTransfers returns every transfer that never reached
// completed_at, for replay into the in-memory registry on startup.
func (s *Store) LoadPendingTransfers() ([]PersistedTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT nonce, from_protocol, to_protocol, asset_id, amount,
			source_tx_id, destination_tx_id, requires_manual, failure_reason, created_at, completed_at
		FROM transfers WHERE completed_at IS NULL
	`)
	if err != nil {
		return nil, l2err.Wrap(l2err.Internal, "failed to query pending transfers", err)
	}
	defer rows.Close()

	var out []PersistedTransfer
	for rows.Next() {
		var (
			t           PersistedTransfer
			nonce       string
			from, to    string
			asset       string
			srcTx, dstTx string
			createdAt   int64
			completedAt sql.NullInt64
		)
		if err := rows.Scan(&nonce, &from, &to, &asset, &t.Amount, &srcTx, &dstTx,
			&t.RequiresManual, &t.FailureReason, &createdAt, &completedAt); err != nil {
			return nil, l2err.Wrap(l2err.Internal, "failed to scan transfer row", err)
		}
		copy(t.Nonce[:], nonce)
		t.FromProtocol = layer2.ProtocolID(from)
		t.ToProtocol = layer2.ProtocolID(to)
		t.AssetID = layer2.AssetID(asset)
		t.SourceTxID = layer2.TxID(srcTx)
		t.DestinationTxID = layer2.TxID(dstTx)
		t.CreatedAt = time.Unix(createdAt, 0)
		if completedAt.Valid {
			t.CompletedAt = time.Unix(completedAt.Int64, 0)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveProtocolState records the last observed sequence number and sync
// status for id, so ValidateProtocolState's monotonicity check survives
// a restart instead of resetting to zero.
func (s *Store) SaveProtocolState(id layer2.ProtocolID, seq uint64, synced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	syncedInt := 0
	if synced {
		syncedInt = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO protocol_state (protocol_id, sequence_num, synced, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(protocol_id) DO UPDATE SET
			sequence_num = excluded.sequence_num,
			synced = excluded.synced,
			updated_at = excluded.updated_at
	`, string(id), seq, syncedInt, time.Now().Unix())
	if err != nil {
		return l2err.Wrap(l2err.Internal, "failed to persist protocol state", err)
	}
	return nil
}

// LoadProtocolSequences returns the last persisted sequence number for
// every protocol this store has ever seen.
func (s *Store) LoadProtocolSequences() (map[layer2.ProtocolID]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT protocol_id, sequence_num FROM protocol_state`)
	if err != nil {
		return nil, l2err.Wrap(l2err.Internal, "failed to query protocol state", err)
	}
	defer rows.Close()

	out := map[layer2.ProtocolID]uint64{}
	for rows.Next() {
		var id string
		var seq uint64
		if err := rows.Scan(&id, &seq); err != nil {
			return nil, l2err.Wrap(l2err.Internal, "failed to scan protocol state row", err)
		}
		out[layer2.ProtocolID(id)] = seq
	}
	return out, rows.Err()
}

// RecordAuditRotation appends a row to audit_log_meta noting that the
// audit chain rolled over to a new chain_file. The store does not read
// these rows back, and internal/hsm/audit verifies its chain from the
// log file alone.
func (s *Store) RecordAuditRotation(chainFile, lastHash string, entryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO audit_log_meta (chain_file, last_hash, entry_count, updated_at)
		VALUES (?, ?, ?, ?)
	`, chainFile, lastHash, entryCount, time.Now().Unix())
	if err != nil {
		return l2err.Wrap(l2err.Internal, "failed to record audit rotation", err)
	}
	return nil
}

// FromTransfer builds a PersistedTransfer from a layer2.Transfer, used by
// package manager when a CrossLayerTransfer call is first admitted.
func FromTransfer(nonce layer2.Nonce, t layer2.Transfer) PersistedTransfer {
	return PersistedTransfer{
		Nonce:        nonce,
		FromProtocol: t.FromProtocol,
		ToProtocol:   t.ToProtocol,
		AssetID:      t.AssetID,
		Amount:       strconv.FormatUint(t.Amount, 10),
		CreatedAt:    time.Now(),
	}
}

// SqliteKeystore implements hsm.Keystore over the same database as the
// rest of the durable store, so the software HSM provider's sealed key
// blobs survive a daemon restart instead of living only in memory.
type SqliteKeystore struct {
	db *sql.DB
	mu sync.RWMutex
}

// Keystore returns a Keystore view backed by s's database.
func (s *Store) Keystore() *SqliteKeystore {
	return &SqliteKeystore{db: s.db}
}

func (k *SqliteKeystore) Put(handle hsm.KeyHandle, sealed []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, err := k.db.Exec(`
		INSERT INTO hsm_keys (handle, sealed_blob, created_at) VALUES (?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET sealed_blob = excluded.sealed_blob
	`, handleKey(handle), sealed, time.Now().Unix())
	if err != nil {
		return l2err.Wrap(l2err.Internal, "failed to persist sealed key", err)
	}
	return nil
}

func (k *SqliteKeystore) Get(handle hsm.KeyHandle) ([]byte, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var blob []byte
	err := k.db.QueryRow(`SELECT sealed_blob FROM hsm_keys WHERE handle = ?`, handleKey(handle)).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, l2err.Wrap(l2err.Internal, "failed to load sealed key", err)
	}
	return blob, true, nil
}

func (k *SqliteKeystore) Delete(handle hsm.KeyHandle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, err := k.db.Exec(`DELETE FROM hsm_keys WHERE handle = ?`, handleKey(handle)); err != nil {
		return l2err.Wrap(l2err.Internal, "failed to delete sealed key", err)
	}
	return nil
}

func handleKey(h hsm.KeyHandle) string {
	return string(h[:])
}
