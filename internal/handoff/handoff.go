// Package handoff installs credentials dropped into a directory by the
// login frontend's local helper.
//
// The helper writes credentials.json ({"access_token", "refresh_token"})
// into the handoff directory. The watcher stores the pair, deletes the
// file and asks the watchdog to start a new Watch Session.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	sessionerrors "github.com/alexjbarnes/admin-session/internal/errors"
	"github.com/alexjbarnes/admin-session/internal/models"
	"github.com/fsnotify/fsnotify"
)

const (
	// FileName is the handoff file the watcher consumes.
	FileName = "credentials.json"

	// maxHandoffBytes caps the handoff file read.
	maxHandoffBytes = 64 * 1024

	handoffDirPerm = fs.FileMode(0o700)
)

// Store persists an installed pair.
type Store interface {
	SetCredentials(models.Credentials) error
}

// Watcher consumes handoff files from a directory.
type Watcher struct {
	dir     string
	store   Store
	onStore func()
	logger  *slog.Logger
}

// NewWatcher creates a Watcher for dir. onStore runs after each pair is
// stored; the service wires it to the watchdog's Rearm.
func NewWatcher(dir string, store Store, onStore func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		dir:     dir,
		store:   store,
		onStore: onStore,
		logger:  logger.With(slog.String("component", "handoff")),
	}
}

// Watch monitors the handoff directory until ctx is cancelled. A file
// already present when Watch starts is consumed first.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, handoffDirPerm); err != nil {
		return fmt.Errorf("creating handoff directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching handoff directory: %w", err)
	}

	w.logger.Info("watching for credential handoff", slog.String("dir", w.dir))

	if _, err := os.Lstat(w.path()); err == nil {
		w.consume()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			w.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) path() string {
	return filepath.Join(w.dir, FileName)
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != FileName {
		return
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	w.consume()
}

// consume installs the handoff file if it holds a complete pair. The
// file is removed either way, except when it is only partially written.
func (w *Watcher) consume() {
	creds, err := readHandoff(w.path())

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return
	case errors.Is(err, errIncompleteJSON):
		// Writer has not finished; the next Write event retries.
		return
	case err != nil:
		w.logger.Warn("discarding invalid handoff file", slog.String("error", err.Error()))
		w.remove()

		return
	}

	if err := w.store.SetCredentials(creds); err != nil {
		w.logger.Error("storing handed-off credentials", slog.String("error", err.Error()))
		w.remove()

		return
	}

	w.remove()
	w.logger.Info("credentials installed from handoff")

	if w.onStore != nil {
		w.onStore()
	}
}

func (w *Watcher) remove() {
	if err := os.Remove(w.path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("removing handoff file", slog.String("error", err.Error()))
	}
}

var errIncompleteJSON = errors.New("handoff file incomplete")

type handoffFile struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// readHandoff parses a handoff file. Symlinks and non-regular files are
// rejected.
func readHandoff(path string) (models.Credentials, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return models.Credentials{}, err
	}

	if !info.Mode().IsRegular() {
		return models.Credentials{}, fmt.Errorf("%s is not a regular file", FileName)
	}

	f, err := os.Open(path)
	if err != nil {
		return models.Credentials{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxHandoffBytes+1))
	if err != nil {
		return models.Credentials{}, fmt.Errorf("reading handoff file: %w", err)
	}

	if len(data) > maxHandoffBytes {
		return models.Credentials{}, fmt.Errorf("handoff file exceeds %d bytes", maxHandoffBytes)
	}

	if len(data) == 0 {
		return models.Credentials{}, errIncompleteJSON
	}

	var hf handoffFile
	if err := json.Unmarshal(data, &hf); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) && syntaxErr.Offset >= int64(len(data)) {
			return models.Credentials{}, errIncompleteJSON
		}

		return models.Credentials{}, fmt.Errorf("decoding handoff file: %w", err)
	}

	creds := models.Credentials{AccessToken: hf.AccessToken, RefreshToken: hf.RefreshToken}
	if !creds.Complete() {
		return models.Credentials{}, sessionerrors.ErrPartialCredentials
	}

	return creds, nil
}
