// Package outbox turns files dropped into a directory into outbound
// messages. Each file carries its target room in YAML frontmatter; after
// it has been queued it is moved to sent/, and unreadable files are
// moved to failed/.
package outbox

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/steef435/riotx-sdk/internal/outbound"
	"maunium.net/go/mautrix/id"
)

const (
	// SentDir and FailedDir are created inside the outbox.
	SentDir   = "sent"
	FailedDir = "failed"

	// settleDelay is how long a file must stay unchanged before it is
	// picked up, so half-written files are not sent.
	settleDelay = 250 * time.Millisecond

	dirPerm = fs.FileMode(0o700)
)

// Sender queues a message for delivery.
type Sender interface {
	SendMessage(roomID id.RoomID, msgType, body string) (*outbound.JobHandle, error)
}

// Outbox watches one directory.
type Outbox struct {
	root   string
	sender Sender
	logger *slog.Logger
	settle time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New returns an outbox over dir, creating it and its sent/ and failed/
// subdirectories.
func New(dir string, sender Sender, logger *slog.Logger) (*Outbox, error) {
	if logger == nil {
		logger = slog.Default()
	}

	for _, d := range []string{dir, filepath.Join(dir, SentDir), filepath.Join(dir, FailedDir)} {
		if err := os.MkdirAll(d, dirPerm); err != nil {
			return nil, fmt.Errorf("creating outbox directory: %w", err)
		}
	}

	return &Outbox{
		root:    dir,
		sender:  sender,
		logger:  logger,
		settle:  settleDelay,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Root returns the watched directory.
func (o *Outbox) Root() string {
	return o.root
}

// Watch sends files already present, then every file that appears,
// until ctx is cancelled.
func (o *Outbox) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(o.root); err != nil {
		return fmt.Errorf("watching outbox: %w", err)
	}

	ready := make(chan string, 64)
	defer o.cancelPending()

	if err := o.Drain(); err != nil {
		o.logger.Warn("draining outbox", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				o.schedule(ctx, event.Name, ready)
			}

		case path := <-ready:
			o.process(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			o.logger.Warn("outbox watcher error", slog.String("error", err.Error()))
		}
	}
}

// Drain sends every file currently in the outbox.
func (o *Outbox) Drain() error {
	entries, err := os.ReadDir(o.root)
	if err != nil {
		return fmt.Errorf("reading outbox: %w", err)
	}

	for _, e := range entries {
		if e.Type().IsRegular() {
			o.process(filepath.Join(o.root, e.Name()))
		}
	}

	return nil
}

// schedule (re)starts the settle timer for path.
func (o *Outbox) schedule(ctx context.Context, path string, ready chan<- string) {
	if shouldIgnore(path) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if t, ok := o.pending[path]; ok {
		t.Stop()
	}

	o.pending[path] = time.AfterFunc(o.settle, func() {
		o.mu.Lock()
		delete(o.pending, path)
		o.mu.Unlock()

		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

func (o *Outbox) cancelPending() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for path, t := range o.pending {
		t.Stop()
		delete(o.pending, path)
	}
}

// process queues one file and files it under sent/ or failed/.
func (o *Outbox) process(path string) {
	if shouldIgnore(path) {
		return
	}

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		o.logger.Warn("reading outbox file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	msg, err := Parse(content)
	if err != nil {
		o.logger.Warn("rejecting outbox file", slog.String("path", path), slog.String("error", err.Error()))
		o.move(path, FailedDir)

		return
	}

	h, err := o.sender.SendMessage(msg.RoomID, msg.MsgType, msg.Body)
	if err != nil {
		o.logger.Error("queueing outbox message", slog.String("path", path), slog.String("error", err.Error()))
		o.move(path, FailedDir)

		return
	}

	o.logger.Info("outbox message queued",
		slog.String("path", filepath.Base(path)),
		slog.String("room_id", msg.RoomID.String()),
		slog.String("job_id", h.ID()),
	)
	o.move(path, SentDir)
}

func (o *Outbox) move(path, sub string) {
	dst := filepath.Join(o.root, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		o.logger.Error("moving outbox file", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// shouldIgnore skips hidden and editor temp files.
func shouldIgnore(path string) bool {
	name := filepath.Base(path)

	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, ".tmp")
}
