package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type memoEntry struct {
	size    int64
	modTime time.Time
	sum     string
}

// Hasher computes content hashes of local artifacts. Results are memoised by
// path, size and modification time, and dropped when fsnotify reports a change
// to the file.
type Hasher struct {
	mu      sync.Mutex
	memo    map[string]memoEntry
	watcher *fsnotify.Watcher
	watched map[string]struct{}
	done    chan struct{}
}

// NewHasher returns a hasher without file watching.
func NewHasher() *Hasher {
	return &Hasher{memo: make(map[string]memoEntry), watched: make(map[string]struct{})}
}

// NewWatchingHasher returns a hasher that invalidates entries on file events.
func NewWatchingHasher() (*Hasher, error) {
	h := NewHasher()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "artifact: create watcher")
	}
	h.watcher = watcher
	h.done = make(chan struct{})
	go h.watch()
	return h, nil
}

// Close stops the watcher.
func (h *Hasher) Close() error {
	if h == nil || h.watcher == nil {
		return nil
	}
	err := h.watcher.Close()
	<-h.done
	return err
}

// Hash returns the hex SHA-256 of the file at path.
func (h *Hasher) Hash(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "artifact: resolve %s", path)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", &MissingError{Path: abs, Reason: err.Error()}
	}
	h.mu.Lock()
	if entry, ok := h.memo[abs]; ok && entry.size == st.Size() && entry.modTime.Equal(st.ModTime()) {
		h.mu.Unlock()
		return entry.sum, nil
	}
	h.mu.Unlock()

	sum, err := hashFile(abs)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.memo[abs] = memoEntry{size: st.Size(), modTime: st.ModTime(), sum: sum}
	h.mu.Unlock()
	h.watchDir(filepath.Dir(abs))
	return sum, nil
}

// HashAll combines the hashes of paths, in order, into one digest. A single
// path yields that file's own hash.
func (h *Hasher) HashAll(paths []string) (string, error) {
	if len(paths) == 1 {
		return h.Hash(paths[0])
	}
	combined := sha256.New()
	for _, p := range paths {
		sum, err := h.Hash(p)
		if err != nil {
			return "", err
		}
		_, _ = io.WriteString(combined, sum)
		_, _ = io.WriteString(combined, "\n")
	}
	return hex.EncodeToString(combined.Sum(nil)), nil
}

// Forget drops the memoised hash for path.
func (h *Hasher) Forget(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.memo, abs)
}

func (h *Hasher) cached(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.memo[path]
	return ok
}

func (h *Hasher) watchDir(dir string) {
	if h.watcher == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.watched[dir]; ok {
		h.mu.Unlock()
		return
	}
	h.watched[dir] = struct{}{}
	h.mu.Unlock()
	if err := h.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("artifact: watch directory failed")
	}
}

func (h *Hasher) watch() {
	defer close(h.done)
	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
				continue
			}
			h.Forget(event.Name)
			log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("artifact changed, hash invalidated")
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("artifact watcher error")
		}
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &MissingError{Path: path, Reason: err.Error()}
	}
	defer f.Close()
	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", errors.Wrapf(err, "artifact: read %s", path)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
