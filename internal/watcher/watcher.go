// Package watcher follows run log files with fsnotify and republishes
// each appended line on the event bus. Workers are detached processes, so
// the server has no pipe to them; the log file is the live channel.
package watcher

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lemoz/project-control-center-sub001/internal/bus"
	"github.com/lemoz/project-control-center-sub001/internal/log"
)

// DefaultDebounce batches bursts of writes into one drain pass.
const DefaultDebounce = 100 * time.Millisecond

// Follower tails one run's log file and emits a run.log bus event per
// complete line.
type Follower struct {
	fsWatcher *fsnotify.Watcher
	bus       *bus.Bus
	threadID  string
	runID     int64
	path      string
	debounce  time.Duration

	offset  int64
	partial []byte
	done    chan struct{}
}

// Follow starts tailing logPath. The file may not exist yet; the watch is
// placed on its directory, which must exist. Lines already present are
// emitted on the first drain.
func Follow(b *bus.Bus, threadID string, runID int64, logPath string, debounce time.Duration) (*Follower, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(logPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", filepath.Dir(logPath), err)
	}

	f := &Follower{
		fsWatcher: fsw,
		bus:       b,
		threadID:  threadID,
		runID:     runID,
		path:      logPath,
		debounce:  debounce,
		done:      make(chan struct{}),
	}
	go f.loop()
	f.drain()
	return f, nil
}

// Stop terminates the follower after one final drain, so lines written
// just before a run finished are not lost.
func (f *Follower) Stop() error {
	close(f.done)
	err := f.fsWatcher.Close()
	f.drain()
	return err
}

// loop debounces write events into drain passes.
func (f *Follower) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-f.fsWatcher.Events:
			if !ok {
				return
			}
			if !f.isRelevantEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(f.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(f.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				f.drain()
				pending = false
			}

		case err, ok := <-f.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatBus, "log watcher error", "run", f.runID, "error", err.Error())

		case <-f.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// drain reads everything appended since the last pass and publishes each
// complete line. A trailing partial line is buffered until its newline
// arrives.
func (f *Follower) drain() {
	file, err := os.Open(f.path)
	if err != nil {
		return
	}
	defer file.Close()

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		log.Warn(log.CatBus, "failed to read run log", "run", f.runID, "error", err.Error())
		return
	}
	f.offset += int64(len(data))

	buf := append(f.partial, data...)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		f.bus.RunLog(f.threadID, f.runID, string(line))
	}
	f.partial = append([]byte(nil), buf...)
}

func (f *Follower) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(f.path)
}
