package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// allowedTopLevelKeys are the only unprefixed keys Document accepts;
// anything else must carry the "x-" forward-compatible prefix.
var allowedTopLevelKeys = map[string]bool{"wans": true, "steering": true}

// Load reads, strictly parses, and validates the document at path.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Document, error) {
	raw, err := rejectUnknownTopLevelKeys(raw)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// rejectUnknownTopLevelKeys fails on any top-level key that is neither
// allowed nor "x-" prefixed, and returns raw with the "x-" keys removed so
// the strict decode that follows ignores them.
func rejectUnknownTopLevelKeys(raw []byte) ([]byte, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, fmt.Errorf("config: empty document")
	}
	mapping := node.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config: top-level document must be a mapping")
	}
	kept := make([]*yaml.Node, 0, len(mapping.Content))
	for i := 0; i < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		if allowedTopLevelKeys[key] {
			kept = append(kept, mapping.Content[i], mapping.Content[i+1])
			continue
		}
		if strings.HasPrefix(key, "x-") {
			continue
		}
		return nil, fmt.Errorf("config: unknown top-level key %q", key)
	}
	if len(kept) == len(mapping.Content) {
		return raw, nil
	}
	mapping.Content = kept
	out, err := yaml.Marshal(&node)
	if err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return out, nil
}

// Watcher delivers hot-reloaded Documents over a channel as the backing file
// changes, with debounce so a multi-write editor save doesn't thrash the
// loader.
type Watcher struct {
	current atomic.Pointer[Document]
	updates chan *Document
	fsw     *fsnotify.Watcher
	done    chan struct{}
}

// Current returns the most recently loaded, valid Document.
func (w *Watcher) Current() *Document { return w.current.Load() }

// Updates delivers each successfully reloaded Document. Reloads that fail to
// parse or validate are dropped without notice and do not advance Current.
func (w *Watcher) Updates() <-chan *Document { return w.updates }

// Close stops the watcher goroutine and releases the underlying fsnotify
// watch.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

// LoadAndWatch loads path once, then watches it for changes, publishing
// each successfully reloaded and validated Document on Updates().
func LoadAndWatch(path string) (*Watcher, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{
		updates: make(chan *Document, 1),
		fsw:     fsw,
		done:    make(chan struct{}),
	}
	w.current.Store(doc)

	go w.run(path)
	return w, nil
}

func (w *Watcher) run(path string) {
	var debounce <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				debounce = time.After(200 * time.Millisecond)
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-debounce:
			debounce = nil
			doc, err := Load(path)
			if err != nil {
				continue // keep serving the last-known-good document
			}
			w.current.Store(doc)
			select {
			case w.updates <- doc:
			default:
			}
		}
	}
}
