package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/cardrecon_backend/config"
	"github.com/sirupsen/logrus"
)

// LockManager hands out one mutual-exclusion lock per session so at most one
// processing or reprocessing run touches a session at a time. Acquisition is
// non-blocking: a losing caller gets false immediately and reports "already
// processing" instead of queueing.
type LockManager struct {
	mu    sync.Mutex
	locks map[uint]*sessionLock
}

type sessionLock struct {
	held bool
}

func NewLockManager() *LockManager {
	return &LockManager{locks: map[uint]*sessionLock{}}
}

// TryAcquire takes the session's lock if it is free. Lock entries are
// created lazily on first reference.
func (m *LockManager) TryAcquire(sessionId uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionId]
	if !ok {
		lock = &sessionLock{}
		m.locks[sessionId] = lock
	}
	if lock.held {
		return false
	}
	lock.held = true
	return true
}

func (m *LockManager) Release(sessionId uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lock, ok := m.locks[sessionId]; ok {
		lock.held = false
	}
}

// Cleanup discards the lock entry, but only when nothing holds it.
func (m *LockManager) Cleanup(sessionId uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lock, ok := m.locks[sessionId]; ok && !lock.held {
		delete(m.locks, sessionId)
	}
}

// Held reports whether the session's lock is currently taken.
func (m *LockManager) Held(sessionId uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionId]
	return ok && lock.held
}

// ObtainDistributedLock is a best-effort cross-instance guard on top of the
// in-process lock. Reliability must not depend on Redis: if Redis is down or
// the lock cannot be obtained, processing proceeds under the in-process lock
// alone.
func ObtainDistributedLock(ctx context.Context, logger *logrus.Logger, sessionId uint, ttl time.Duration) *redislock.Lock {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil
	}
	lock, err := locker.Obtain(ctx, fmt.Sprintf("recon-session:%d", sessionId), ttl, nil)
	if err == redislock.ErrNotObtained {
		logger.WithFields(logrus.Fields{
			"module":     "sessionLock.go",
			"session_id": sessionId,
		}).Warn("could not obtain redis session lock; proceeding with in-process lock only")
		return nil
	} else if err != nil {
		logger.WithFields(logrus.Fields{
			"module":     "sessionLock.go",
			"session_id": sessionId,
		}).Warn("error obtaining redis session lock; proceeding with in-process lock only: " + err.Error())
		return nil
	}
	return lock
}

// RefreshDistributedLock extends the redis lock TTL at run checkpoints.
// Failures are logged and ignored.
func RefreshDistributedLock(ctx context.Context, logger *logrus.Logger, lock *redislock.Lock, ttl time.Duration) {
	if lock == nil {
		return
	}
	if err := lock.Refresh(ctx, ttl, nil); err != nil {
		logger.WithFields(logrus.Fields{
			"module": "sessionLock.go",
		}).Warn("failed to refresh redis session lock: " + err.Error())
	}
}

// ReleaseDistributedLock releases the redis lock if one was obtained.
func ReleaseDistributedLock(ctx context.Context, logger *logrus.Logger, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	if err := lock.Release(ctx); err != nil {
		logger.WithFields(logrus.Fields{
			"module": "sessionLock.go",
		}).Warn("failed to release redis session lock: " + err.Error())
	}
}
