package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/TobiSchelling/SiteForge/internal/database"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// ErrRunActive is returned when a project already has a run in progress.
var ErrRunActive = errors.New("a run is already active for this project")

// ErrSuperseded is returned when resuming a run that a newer run has already
// deployed over.
var ErrSuperseded = errors.New("a newer run has deployed this project")

// DefaultLockTTL is how long a lock survives without a heartbeat before
// another process may take it over.
const DefaultLockTTL = 2 * time.Minute

// LockStore persists run locks so that every process sharing a database
// sees the same holder.
type LockStore interface {
	AcquireRunLock(ctx context.Context, project, runID string, now time.Time, staleAfter time.Duration) (string, error)
	HeartbeatRunLock(ctx context.Context, project, runID string, now time.Time) error
	ReleaseRunLock(ctx context.Context, project, runID string) error
	RunLockHolder(ctx context.Context, project string, now time.Time, staleAfter time.Duration) (string, error)
}

// RunLocks allows at most one active run per project. Without a store the
// guarantee covers a single process only.
type RunLocks struct {
	mu     sync.Mutex
	active map[string]string
	store  LockStore
	ttl    time.Duration
	now    func() time.Time
}

// NewRunLocks creates an empty in-process lock table.
func NewRunLocks() *RunLocks {
	return &RunLocks{active: make(map[string]string), ttl: DefaultLockTTL, now: time.Now}
}

// NewStoredRunLocks creates a lock table backed by store. Held locks are
// refreshed every ttl/3 until released.
func NewStoredRunLocks(store LockStore, ttl time.Duration) *RunLocks {
	l := NewRunLocks()
	l.store = store
	if ttl > 0 {
		l.ttl = ttl
	}
	return l
}

func conflict(project, holder string) error {
	return stage.Fatal(stage.CodeRunConflict,
		fmt.Errorf("%w: %s is held by run %s", ErrRunActive, project, holder))
}

// Acquire claims project for runID. The returned release function must be
// called exactly once when the run stops. A second claim while the first is
// held fails with ErrRunActive instead of waiting.
func (l *RunLocks) Acquire(ctx context.Context, project, runID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if holder, ok := l.active[project]; ok {
		return nil, conflict(project, holder)
	}

	stop := func() {}
	if l.store != nil {
		holder, err := l.store.AcquireRunLock(ctx, project, runID, l.now().UTC(), l.ttl)
		if errors.Is(err, database.ErrLockHeld) {
			return nil, conflict(project, holder)
		}
		if err != nil {
			return nil, err
		}
		stop = l.heartbeat(project, runID)
	}
	l.active[project] = runID

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			if l.store != nil {
				if err := l.store.ReleaseRunLock(context.Background(), project, runID); err != nil {
					log.Printf("Warning: %v", err)
				}
			}
			l.mu.Lock()
			delete(l.active, project)
			l.mu.Unlock()
		})
	}, nil
}

func (l *RunLocks) heartbeat(project, runID string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := l.store.HeartbeatRunLock(context.Background(), project, runID, l.now().UTC())
				if err != nil {
					log.Printf("Warning: run %s lost its lock on %s: %v", runID, project, err)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Holder returns the run currently holding project, in this process or in
// any other process sharing the store.
func (l *RunLocks) Holder(project string) (string, bool) {
	l.mu.Lock()
	id, ok := l.active[project]
	l.mu.Unlock()
	if ok || l.store == nil {
		return id, ok
	}
	id, err := l.store.RunLockHolder(context.Background(), project, l.now().UTC(), l.ttl)
	if err != nil {
		return "", false
	}
	return id, true
}
