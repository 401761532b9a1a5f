// Package lock provides per-project mutual exclusion with expiring leases.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proposalflow/internal/domain"
)

var (
	ErrLockContention = errors.New("lock contention")
	ErrNotHolder      = errors.New("lock not held by caller")
)

// Holder identifies one acquisition by one worker.
type Holder struct {
	WorkerID string `json:"worker_id"`
	LeaseID  string `json:"lease_id"`
}

func NewHolder(workerID string) Holder {
	return Holder{WorkerID: workerID, LeaseID: uuid.NewString()}
}

func (h Holder) Token() string {
	return h.WorkerID + "/" + h.LeaseID
}

func (h Holder) String() string { return h.Token() }

func ParseHolder(token string) (Holder, error) {
	worker, lease, ok := strings.Cut(token, "/")
	if !ok || worker == "" || lease == "" {
		return Holder{}, fmt.Errorf("invalid lock holder token %q", token)
	}
	return Holder{WorkerID: worker, LeaseID: lease}, nil
}

// Store is the shared coordination store. repo.Repo implements it on SQLite.
type Store interface {
	SetLockIfAbsent(ctx context.Context, key, holder, expiresAt, now string) (bool, error)
	ExtendLock(ctx context.Context, key, holder, expiresAt, now string) (bool, error)
	DeleteLock(ctx context.Context, key, holder string) (bool, error)
}

type Manager struct {
	Store Store
	Now   func() time.Time
	Log   *zap.Logger
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) log() *zap.Logger {
	if m.Log == nil {
		return zap.NewNop()
	}
	return m.Log
}

// Acquire takes the project lock if nobody holds a live lease on it. Expired
// leases are treated as absent.
func (m *Manager) Acquire(ctx context.Context, projectID string, h Holder, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive")
	}
	now := m.now()
	ok, err := m.Store.SetLockIfAbsent(ctx, projectID, h.Token(), domain.FormatTime(now.Add(ttl)), domain.FormatTime(now))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", projectID, err)
	}
	if !ok {
		m.log().Debug("lock contention", zap.String("project_id", projectID), zap.String("worker_id", h.WorkerID))
	}
	return ok, nil
}

// Renew extends a live lease; it fails once the lease lapsed or changed hands.
func (m *Manager) Renew(ctx context.Context, projectID string, h Holder, ttl time.Duration) (bool, error) {
	now := m.now()
	ok, err := m.Store.ExtendLock(ctx, projectID, h.Token(), domain.FormatTime(now.Add(ttl)), domain.FormatTime(now))
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", projectID, err)
	}
	return ok, nil
}

func (m *Manager) Release(ctx context.Context, projectID string, h Holder) (bool, error) {
	ok, err := m.Store.DeleteLock(ctx, projectID, h.Token())
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", projectID, err)
	}
	return ok, nil
}

// Heartbeat renews the lease every interval until stop is called. Lost is
// closed when a renewal fails; work done after that must be discarded.
func (m *Manager) Heartbeat(ctx context.Context, projectID string, h Holder, ttl, interval time.Duration) (lost <-chan struct{}, stop func()) {
	lostCh := make(chan struct{})
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				ok, err := m.Renew(hbCtx, projectID, h, ttl)
				if hbCtx.Err() != nil {
					return
				}
				if err != nil || !ok {
					m.log().Warn("lock lease lost", zap.String("project_id", projectID), zap.String("holder", h.Token()), zap.Error(err))
					close(lostCh)
					return
				}
			}
		}
	}()
	return lostCh, func() {
		cancel()
		wg.Wait()
	}
}
