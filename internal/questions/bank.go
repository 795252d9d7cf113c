package questions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Bank holds every interview found in a directory.
type Bank struct {
	dir string
	log *slog.Logger

	mu         sync.RWMutex
	interviews map[string]Interview
}

func NewBank(dir string, log *slog.Logger) *Bank {
	return &Bank{
		dir:        dir,
		log:        log.With(slog.String("component", "question-bank")),
		interviews: make(map[string]Interview),
	}
}

// LoadAll replaces the bank's contents with the .yaml/.yml files in its
// directory. Nothing is replaced if any file is invalid.
func (b *Bank) LoadAll() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("read interview dir %q: %w", b.dir, err)
	}

	loaded := make(map[string]Interview)
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(b.dir, entry.Name())
		iv, err := Load(path)
		if err != nil {
			return err
		}
		if err := Validate(iv); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := loaded[iv.ID]; dup {
			return fmt.Errorf("%s: duplicate interview id %q", path, iv.ID)
		}
		loaded[iv.ID] = iv
	}

	b.mu.Lock()
	b.interviews = loaded
	b.mu.Unlock()
	b.log.Info("question bank loaded", slog.Int("interviews", len(loaded)))
	return nil
}

// Get returns the interview with id.
func (b *Bank) Get(id string) (Interview, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	iv, ok := b.interviews[id]
	if !ok {
		return Interview{}, fmt.Errorf("%w: %q", ErrUnknownInterview, id)
	}
	return iv, nil
}

// List returns all interviews ordered by id.
func (b *Bank) List() []Interview {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Interview, 0, len(b.interviews))
	for _, iv := range b.interviews {
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch reloads the bank whenever a YAML file in its directory changes. It
// blocks until ctx is done. Failed reloads keep the previous contents.
func (b *Bank) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(b.dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", b.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if err := b.LoadAll(); err != nil {
					b.log.Warn("question bank reload failed", slog.String("error", err.Error()))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
