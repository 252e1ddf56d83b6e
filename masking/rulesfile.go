package masking

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadRules reads a YAML rules file. The file's rules extend DefaultRules;
// they never replace them.
//
//	types: [password]
//	substrings: [iban, routing]
//	tokens: [dob]
//	affixes: [secret]
//	exclude: [secretary]
//	markers: [data-private]
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read mask rules: %w", err)
	}
	var extra Rules
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return Rules{}, fmt.Errorf("parse mask rules %s: %w", path, err)
	}
	return DefaultRules().Merge(extra), nil
}

// Store holds the active Classifier and allows it to be swapped while
// relays are using it.
type Store struct {
	current atomic.Pointer[Classifier]
}

// NewStore returns a Store initialised with c, or Default when c is nil.
func NewStore(c *Classifier) *Store {
	if c == nil {
		c = Default()
	}
	s := &Store{}
	s.current.Store(c)
	return s
}

// Classifier returns the active classifier.
func (s *Store) Classifier() *Classifier { return s.current.Load() }

// Set replaces the active classifier.
func (s *Store) Set(c *Classifier) { s.current.Store(c) }

// Reload rebuilds the classifier from the rules file at path. On failure
// the previous classifier stays active.
func (s *Store) Reload(path string) error {
	rules, err := LoadRules(path)
	if err != nil {
		return err
	}
	s.Set(New(rules))
	return nil
}

// Watch reloads the rules file whenever it changes until ctx is done.
// The containing directory is watched so editors that replace the file
// atomically are handled.
func (s *Store) Watch(ctx context.Context, path string, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve mask rules path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(abs); err != nil {
				log.WarnContext(ctx, "masking.rules.reload.fail", slog.String("path", abs), slog.String("err", err.Error()))
				continue
			}
			log.InfoContext(ctx, "masking.rules.reload.ok", slog.String("path", abs))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.DebugContext(ctx, "masking.rules.watch.error", slog.String("err", err.Error()))
		}
	}
}
