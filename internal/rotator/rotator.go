// internal/rotator/rotator.go

// Package rotator owns the append-only line-record segments of one stream.
//
// A segment is created on the first write after the previous one closed,
// named <time>.lp.open while it grows, and renamed to <time>.<bucket>.lp
// when the file_time timer fires or a switch is requested. Segments left
// provisional by a previous run are completed at startup.
package rotator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tamzrod/tagbridge/internal/metrics"
	"github.com/tamzrod/tagbridge/internal/retry"
)

var (
	// ErrBusy is returned while an open/close/rename is in flight.
	// The caller keeps its bytes and tries again on its next flush.
	ErrBusy = errors.New("rotator: busy")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("rotator: closed")
)

const (
	ProvisionalSuffix = ".lp.open"
	CompletedSuffix   = ".lp"

	DefaultFileTime    = time.Minute
	DefaultSwitchRetry = 100 * time.Millisecond
	DefaultBucket      = "default"

	timeLayout = "20060102T150405.000"
)

// Config is the writer config.
type Config struct {
	Dir         string
	Bucket      string
	FileTime    time.Duration
	SwitchRetry time.Duration

	// Now is the clock used for segment names (nil = time.Now).
	Now func() time.Time
}

// Writer is a Rotating Log Writer. It holds at most one open segment.
type Writer struct {
	cfg     Config
	log     *slog.Logger
	metrics *rotatorMetrics

	mu      sync.Mutex
	file    *os.File
	path    string
	busy    bool
	closed  bool
	timer   *time.Timer // file_time rotation
	retry   func() bool // stops the pending switch retry
	orphans []string    // closed segments whose rename failed
}

// New creates the directory if needed, completes every provisional segment
// left by a previous run and returns a writer ready for writes.
func New(cfg Config, reg *metrics.Registry, log *slog.Logger) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, errors.New("rotator: dir required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.FileTime <= 0 {
		cfg.FileTime = DefaultFileTime
	}
	if cfg.SwitchRetry <= 0 {
		cfg.SwitchRetry = DefaultSwitchRetry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("rotator: mkdir %s: %w", cfg.Dir, err)
	}

	m, err := newRotatorMetrics(reg, cfg.Bucket)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		cfg:     cfg,
		log:     log.With("dir", cfg.Dir, "bucket", cfg.Bucket),
		metrics: m,
	}

	recovered, err := w.Recover()
	if err != nil {
		// not fatal: the next rotation retries what is left
		w.log.Warn("segment recovery incomplete", "error", err)
	}
	if len(recovered) > 0 {
		w.log.Info("recovered provisional segments", "count", len(recovered))
	}
	return w, nil
}

// Available reports whether Write would be accepted now.
func (w *Writer) Available() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.busy && !w.closed
}

// Current returns the path of the open segment, or "".
func (w *Writer) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// ------------------------------------------------------------
// WRITE
// ------------------------------------------------------------

// Write appends p to the open segment, creating one first if none is open.
// It returns ErrBusy without blocking while the segment is being opened,
// closed or renamed.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, ErrClosed
	}
	if w.busy {
		w.mu.Unlock()
		w.metrics.busyReject()
		return 0, ErrBusy
	}

	if w.file == nil {
		w.busy = true
		w.mu.Unlock()

		f, path, err := w.create()

		w.mu.Lock()
		w.busy = false
		if err != nil {
			w.mu.Unlock()
			w.metrics.fsError("open")
			w.log.Error("segment open failed", "error", err)
			return 0, err
		}
		if w.closed {
			// Close raced the open: complete the empty segment right away.
			w.mu.Unlock()
			_ = f.Close()
			_, _ = w.complete(path)
			return 0, ErrClosed
		}
		w.file = f
		w.path = path
		w.timer = time.AfterFunc(w.cfg.FileTime, w.rotate)
		w.metrics.opened()
		w.log.Debug("segment opened", "path", path)
	}

	n, err := w.file.Write(p)
	w.mu.Unlock()

	w.metrics.wrote(n)
	if err != nil {
		w.metrics.fsError("write")
		w.log.Error("segment write failed", "error", err)
		return n, fmt.Errorf("rotator: write: %w", err)
	}
	return n, nil
}

// create opens a new provisional segment named by the current time.
func (w *Writer) create() (*os.File, string, error) {
	stem := w.cfg.Now().UTC().Format(timeLayout)
	for i := 0; ; i++ {
		name := stem
		if i > 0 {
			name = fmt.Sprintf("%s-%d", stem, i)
		}
		path := filepath.Join(w.cfg.Dir, name+ProvisionalSuffix)
		if _, err := os.Lstat(CompletedName(path, w.cfg.Bucket)); err == nil {
			// completed in the same millisecond
			continue
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) || i >= 100 {
			return nil, "", fmt.Errorf("rotator: open %s: %w", path, err)
		}
	}
}

// ------------------------------------------------------------
// SWITCH
// ------------------------------------------------------------

// SwitchFile closes the open segment and renames it to its completed form.
// It returns "" with no I/O when nothing is open. When the segment is busy
// the switch is retried after SwitchRetry and "" is returned.
func (w *Writer) SwitchFile() (string, error) {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.retry != nil {
		w.retry()
		w.retry = nil
	}
	orphans := w.orphans
	w.orphans = nil

	if w.file == nil {
		w.mu.Unlock()
		w.completeOrphans(orphans)
		return "", nil
	}
	if w.busy {
		if !w.closed {
			w.retry = retry.After(w.cfg.SwitchRetry, w.rotate)
		}
		w.orphans = append(w.orphans, orphans...)
		w.mu.Unlock()
		return "", nil
	}

	f, path := w.file, w.path
	w.file, w.path = nil, ""
	w.busy = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}()

	w.completeOrphans(orphans)

	if err := f.Close(); err != nil {
		w.metrics.fsError("close")
		w.log.Error("segment close failed", "path", path, "error", err)
	}

	done, err := w.complete(path)
	if err != nil {
		w.metrics.fsError("rename")
		w.log.Error("segment rename failed", "path", path, "error", err)
		w.mu.Lock()
		w.orphans = append(w.orphans, path)
		w.mu.Unlock()
		return "", err
	}

	w.metrics.completed()
	w.log.Debug("segment completed", "path", done)
	return done, nil
}

// rotate is the timer form of SwitchFile.
func (w *Writer) rotate() {
	if _, err := w.SwitchFile(); err != nil {
		w.log.Warn("rotation failed, retrying on next switch", "error", err)
	}
}

func (w *Writer) completeOrphans(paths []string) {
	var failed []string
	for _, p := range paths {
		if _, err := w.complete(p); err != nil {
			w.log.Warn("orphan rename failed", "path", p, "error", err)
			failed = append(failed, p)
		}
	}
	if len(failed) > 0 {
		w.mu.Lock()
		w.orphans = append(w.orphans, failed...)
		w.mu.Unlock()
	}
}

// complete moves X.lp.open to X.<bucket>.lp. A completed segment is never
// replaced: the move links then unlinks, and an existing target gets the
// next free -N name.
func (w *Writer) complete(path string) (string, error) {
	stem := strings.TrimSuffix(path, ProvisionalSuffix)
	done := CompletedName(path, w.cfg.Bucket)
	for i := 1; ; i++ {
		err := os.Link(path, done)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) || i > 100 {
			return "", fmt.Errorf("rotator: rename %s: %w", path, err)
		}
		if sameFile(path, done) {
			// linked before an interrupted unlink
			break
		}
		done = fmt.Sprintf("%s-%d.%s%s", stem, i, w.cfg.Bucket, CompletedSuffix)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("rotator: rename %s: %w", path, err)
	}
	return done, nil
}

func sameFile(a, b string) bool {
	ai, err := os.Lstat(a)
	if err != nil {
		return false
	}
	bi, err := os.Lstat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

// CompletedName maps a provisional segment path to its completed form.
func CompletedName(path, bucket string) string {
	stem := strings.TrimSuffix(path, ProvisionalSuffix)
	return stem + "." + bucket + CompletedSuffix
}

// ------------------------------------------------------------
// RECOVERY / CLOSE
// ------------------------------------------------------------

// Recover completes every provisional segment in the directory except the
// one currently open. It returns the completed paths.
func (w *Writer) Recover() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(w.cfg.Dir, "*"+ProvisionalSuffix))
	if err != nil {
		return nil, fmt.Errorf("rotator: scan %s: %w", w.cfg.Dir, err)
	}

	current := w.Current()

	var (
		out  []string
		errs []string
	)
	for _, p := range matches {
		if p == current {
			continue
		}
		done, err := w.complete(p)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		w.metrics.recovered()
		out = append(out, done)
	}
	if len(errs) > 0 {
		return out, errors.New(strings.Join(errs, " | "))
	}
	return out, nil
}

// Close completes the open segment and stops every timer.
// Later writes return ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	_, err := w.SwitchFile()

	w.mu.Lock()
	if w.retry != nil {
		w.retry()
		w.retry = nil
	}
	w.mu.Unlock()
	return err
}
