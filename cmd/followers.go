package cmd

import (
	"sync"
	"time"

	"github.com/lemoz/project-control-center-sub001/internal/bus"
	"github.com/lemoz/project-control-center-sub001/internal/log"
	"github.com/lemoz/project-control-center-sub001/internal/paths"
	"github.com/lemoz/project-control-center-sub001/internal/store"
	"github.com/lemoz/project-control-center-sub001/internal/watcher"
)

// reapInterval is how often finished runs are checked for.
const reapInterval = 5 * time.Second

// logFollowers tails the log files of runs this server process spawned.
// Workers are detached and publish nothing, so following the file is the
// only way to stream agent output live.
type logFollowers struct {
	db        *store.DB
	bus       *bus.Bus
	portfolio paths.Portfolio

	mu     sync.Mutex
	active map[int64]*watcher.Follower
	stop   chan struct{}
	done   chan struct{}
}

func newLogFollowers(db *store.DB, b *bus.Bus, portfolio paths.Portfolio) *logFollowers {
	l := &logFollowers{
		db:        db,
		bus:       b,
		portfolio: portfolio,
		active:    map[int64]*watcher.Follower{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go l.reapLoop()
	return l
}

// Follow starts tailing a run's log. Call after the run directory exists.
func (l *logFollowers) Follow(runID int64) {
	run, err := l.db.Runs().Get(runID)
	if err != nil {
		log.ErrorErr(log.CatBus, "cannot follow run log", err, "run", runID)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.active[runID]; ok {
		return
	}
	f, err := watcher.Follow(l.bus, run.ThreadID, runID, l.portfolio.RunLogPath(runID), watcher.DefaultDebounce)
	if err != nil {
		log.ErrorErr(log.CatBus, "cannot follow run log", err, "run", runID)
		return
	}
	l.active[runID] = f
}

// reapLoop stops followers of runs that reached a terminal status.
func (l *logFollowers) reapLoop() {
	defer close(l.done)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.reap()
		}
	}
}

func (l *logFollowers) reap() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for runID, f := range l.active {
		run, err := l.db.Runs().Get(runID)
		if err != nil {
			continue
		}
		if run.Status == store.RunDone || run.Status == store.RunFailed {
			// Stop drains once more, so the final lines still go out.
			_ = f.Stop()
			delete(l.active, runID)
		}
	}
}

// Close stops the reaper and every active follower.
func (l *logFollowers) Close() {
	close(l.stop)
	<-l.done
	l.mu.Lock()
	defer l.mu.Unlock()
	for runID, f := range l.active {
		_ = f.Stop()
		delete(l.active, runID)
	}
}
