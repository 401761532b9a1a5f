package repo

import (
	"context"
	"database/sql"

	"proposalflow/internal/domain"
)

// SetLockIfAbsent creates the lock row, or takes over a row whose lease has
// lapsed, in one statement. It reports whether the caller now holds the key.
func (r Repo) SetLockIfAbsent(ctx context.Context, key, holder, expiresAt, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO locks(key,holder,expires_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET holder=excluded.holder, expires_at=excluded.expires_at WHERE locks.expires_at <= ?`,
		key, holder, expiresAt, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExtendLock pushes out a live lease held by holder.
func (r Repo) ExtendLock(ctx context.Context, key, holder, expiresAt, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE locks SET expires_at=? WHERE key=? AND holder=? AND expires_at > ?`, expiresAt, key, holder, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) DeleteLock(ctx context.Context, key, holder string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM locks WHERE key=? AND holder=?`, key, holder)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LiveLockHolderTx returns the holder of an unexpired lock, or "".
func (r Repo) LiveLockHolderTx(ctx context.Context, tx *sql.Tx, key, now string) (string, error) {
	var holder string
	err := tx.QueryRowContext(ctx, `SELECT holder FROM locks WHERE key=? AND expires_at > ?`, key, now).Scan(&holder)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return holder, err
}

func (r Repo) GetLock(ctx context.Context, key string) (domain.Lock, error) {
	var l domain.Lock
	err := r.DB.QueryRowContext(ctx, `SELECT key,holder,expires_at FROM locks WHERE key=?`, key).Scan(&l.ProjectID, &l.Holder, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// PurgeExpiredLocks deletes lapsed rows; acquisition already ignores them.
func (r Repo) PurgeExpiredLocks(ctx context.Context, now string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
