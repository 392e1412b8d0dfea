package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/nexlearn/core"
)

// KVRepository is the core.KVStore backed by the `kv_store` table (storage engine "sqlite").
type KVRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ core.KVStore = (*KVRepository)(nil) // interface compliance check

func NewKVRepository(db *sqlx.DB) *KVRepository {
	return &KVRepository{db: db, now: time.Now}
}

func (repo KVRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := repo.db.GetContext(ctx, &value, repo.db.Rebind(`SELECT value FROM kv_store WHERE name = ?`), key)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", core.ErrKeyNotFound
		}
		return "", repo.trapFatalErr(err, fmt.Sprintf("reading key %q", key))
	}
	return value, nil
}

func (repo KVRepository) Set(ctx context.Context, key, value string) error {
	query := repo.db.Rebind(`
		INSERT INTO kv_store (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	_, err := repo.db.ExecContext(ctx, query, key, value, core.ISOTime(repo.now()))
	return repo.trapFatalErr(err, fmt.Sprintf("writing key %q", key))
}

func (repo KVRepository) Delete(ctx context.Context, key string) error {
	_, err := repo.db.ExecContext(ctx, repo.db.Rebind(`DELETE FROM kv_store WHERE name = ?`), key)
	return repo.trapFatalErr(err, fmt.Sprintf("deleting key %q", key))
}

// trapFatalErr wraps err with msg. When the database itself is unreachable,
// the local storage is gone and err becomes a shutdown error.
func (repo KVRepository) trapFatalErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	if pErr := repo.db.PingContext(context.Background()); pErr != nil {
		return errors.Wrap(core.NewShutdownError("local storage unavailable: "+pErr.Error()), msg)
	}
	return errors.Wrap(err, msg)
}
