package intake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/aristath/ambari-agent/internal/scheduler"
)

// Sink receives decoded batches. ActionQueue satisfies it.
type Sink interface {
	Put(commands []scheduler.Command) bool
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Decoder      Decoder
	Deduper      *Deduper      // Optional
	ScanInterval time.Duration // Periodic rescan to catch missed events (default 10s)
	Logger       logrus.FieldLogger
}

// Stats are cumulative watcher counters.
type Stats struct {
	Batches    uint64 // Files submitted
	Commands   uint64 // Commands submitted
	Duplicates uint64 // Commands dropped as redelivered
	Rejected   uint64 // Files renamed to *.bad
}

// Watcher feeds batch files from an inbox directory to a Sink. Each *.json
// file is one batch. Producers should write under another name and rename
// into place. Files are handled in name order, then removed; files that
// fail to decode are renamed with a .bad suffix.
type Watcher struct {
	dir    string
	sink   Sink
	opts   WatcherOptions
	logger logrus.FieldLogger

	scanMu     sync.Mutex // Serializes scans
	batches    atomic.Uint64
	commands   atomic.Uint64
	duplicates atomic.Uint64
	rejected   atomic.Uint64
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, sink Sink, opts WatcherOptions) *Watcher {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Watcher{
		dir:    dir,
		sink:   sink,
		opts:   opts,
		logger: opts.Logger.WithFields(logrus.Fields{"component": "intake", "dir": dir}),
	}
}

// Run watches the inbox until ctx is cancelled. Files already present are
// processed first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("ensure inbox %s: %w", w.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.Scan()
	ticker := time.NewTicker(w.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if (event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)) && isBatchFile(event.Name) {
				w.logger.WithFields(logrus.Fields{"op": event.Op.String(), "file": event.Name}).Debug("inbox event")
				w.Scan()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("fsnotify error")
		case <-ticker.C:
			w.Scan()
		}
	}
}

func isBatchFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

// Scan processes every batch file currently in the inbox and returns the
// number submitted.
func (w *Watcher) Scan() int {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.WithError(err).Warn("failed to read inbox")
		return 0
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && isBatchFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	submitted := 0
	for _, name := range names {
		ok, err := w.processFile(filepath.Join(w.dir, name))
		if err != nil {
			w.logger.WithError(err).WithField("file", name).Warn("batch not processed")
		}
		if !ok && err == nil {
			// Sink closed; leave the rest for the next run
			break
		}
		if ok {
			submitted++
		}
	}
	return submitted
}

// processFile submits one batch. It returns false with a nil error when the
// sink refused the batch.
func (w *Watcher) processFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("batch vanished: %w", err)
		}
		return false, err
	}

	commands, err := w.opts.Decoder.Decode(data)
	if err != nil {
		w.rejected.Add(1)
		if rerr := os.Rename(path, path+".bad"); rerr != nil {
			return false, fmt.Errorf("%w (rename failed: %v)", err, rerr)
		}
		return false, err
	}

	commands, dropped := w.opts.Deduper.Filter(commands)
	w.duplicates.Add(uint64(dropped))

	if len(commands) > 0 {
		if !w.sink.Put(commands) {
			return false, nil
		}
	}
	if err := os.Remove(path); err != nil {
		return true, fmt.Errorf("remove processed batch: %w", err)
	}

	w.batches.Add(1)
	w.commands.Add(uint64(len(commands)))
	w.logger.WithFields(logrus.Fields{
		"file":       filepath.Base(path),
		"commands":   len(commands),
		"duplicates": dropped,
	}).Info("batch submitted")
	return true, nil
}

// Stats returns the watcher counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Batches:    w.batches.Load(),
		Commands:   w.commands.Load(),
		Duplicates: w.duplicates.Load(),
		Rejected:   w.rejected.Load(),
	}
}
