package locking

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// LockRetryDelay is how often a waiter polls a lock file held by another
// process.
const LockRetryDelay = 50 * time.Millisecond

// InProgress serializes work per file name. While a name is held, other
// callers asking for the same name wait; different names proceed in parallel.
//
// Without a lock directory the names only exclude callers in this process.
// With one, every holder also takes an exclusive flock on a file in that
// directory, so separate processes sharing the directory exclude each other.
type InProgress struct {
	mu    sync.Mutex
	names map[string]*holder
	dir   string
}

type holder struct {
	done chan struct{}
	file *flock.Flock
}

// NewInProgress returns a tracker that only serializes within this process.
func NewInProgress() *InProgress {
	return &InProgress{names: make(map[string]*holder)}
}

// NewFileInProgress returns a tracker that also serializes across processes
// using lock files under dir. The directory is created if needed.
func NewFileInProgress(dir string) (*InProgress, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", dir, err)
	}
	p := NewInProgress()
	p.dir = dir
	return p, nil
}

// LockDir is the lock directory kept beside a database file, named like
// SQLite's own -wal and -shm siblings.
func LockDir(databasePath string) string {
	return databasePath + "-locks"
}

// WithAddInProgress runs fn while holding fileName. It waits for an earlier
// holder to finish or for ctx to be done, whichever comes first.
func (p *InProgress) WithAddInProgress(ctx context.Context, fileName string, fn func() error) error {
	if err := p.acquire(ctx, fileName); err != nil {
		return err
	}
	defer p.release(fileName)

	return fn()
}

// IsInProgress reports whether fileName is currently held by this process
// or, with a lock directory, by any other.
func (p *InProgress) IsInProgress(fileName string) bool {
	p.mu.Lock()
	_, held := p.names[fileName]
	p.mu.Unlock()
	if held || p.dir == "" {
		return held
	}

	lock := flock.New(p.lockPath(fileName))
	locked, err := lock.TryLock()
	if err != nil {
		log.WithError(err).Warnf("[InProgress] Could not check lock for %s", fileName)
		return false
	}
	if !locked {
		return true
	}
	if err := lock.Unlock(); err != nil {
		log.WithError(err).Warnf("[InProgress] Failed to unlock %s", lock.Path())
	}
	return false
}

// lockPath hashes the name so any file name maps to a safe lock file.
func (p *InProgress) lockPath(fileName string) string {
	sum := blake3.Sum256([]byte(fileName))
	return filepath.Join(p.dir, hex.EncodeToString(sum[:16])+".lock")
}

func (p *InProgress) acquire(ctx context.Context, fileName string) error {
	var h *holder
	for h == nil {
		p.mu.Lock()
		current, held := p.names[fileName]
		if !held {
			h = &holder{done: make(chan struct{})}
			p.names[fileName] = h
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()

		log.Debugf("[InProgress] Waiting for %s", fileName)
		select {
		case <-current.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if p.dir == "" {
		return nil
	}
	lock := flock.New(p.lockPath(fileName))
	locked, err := lock.TryLockContext(ctx, LockRetryDelay)
	if err == nil && !locked {
		err = fmt.Errorf("lock file %s not acquired", lock.Path())
	}
	if err != nil {
		p.release(fileName)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("locking %s: %w", fileName, err)
	}
	h.file = lock
	return nil
}

func (p *InProgress) release(fileName string) {
	p.mu.Lock()
	h := p.names[fileName]
	delete(p.names, fileName)
	p.mu.Unlock()
	if h == nil {
		return
	}
	if h.file != nil {
		if err := h.file.Unlock(); err != nil {
			log.WithError(err).Warnf("[InProgress] Failed to unlock %s", h.file.Path())
		}
	}
	close(h.done)
}
