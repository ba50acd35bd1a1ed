// Package docs owns the live merge cache: one mergeable document per open
// file, reference counted, mirrored to the cache on every mutation and
// fanned out to watchers over the channel bus.
package docs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"coderoom/backend/internal/blob"
	"coderoom/backend/internal/cache"
	"coderoom/backend/internal/crdt"
	"coderoom/backend/internal/util"
)

// Engine is the process-wide document registry. Entries are created on
// first acquire and torn down, together with their channel-bus
// subscription, when the last watcher releases.
type Engine struct {
	store  blob.Store
	cache  *cache.Cache
	procID string

	mu   sync.Mutex
	open map[string]*entry
}

type entry struct {
	engine    *Engine
	projectID string
	filePath  string

	// mu serializes every mutation of doc; the merge-persist-publish
	// sequence is not atomic across interleaved writers.
	mu       sync.Mutex
	doc      *crdt.Doc
	hydrated bool

	refs     int
	sub      *cache.Subscription
	watchers map[string]func(fragment []byte)
}

// envelope is the bus payload for one fragment. Proc lets a process skip
// fragments it published itself; Origin lets the engine skip the watcher
// that produced the edit.
type envelope struct {
	Proc   string `json:"proc"`
	Origin string `json:"origin"`
	Frag   []byte `json:"frag"`
}

func NewEngine(store blob.Store, c *cache.Cache) *Engine {
	return &Engine{
		store:  store,
		cache:  c,
		procID: util.NewID("proc"),
		open:   make(map[string]*entry),
	}
}

// Handle is one watcher's reference to a live document.
type Handle struct {
	entry     *entry
	watcherID string

	mu     sync.Mutex
	closed bool
}

func docKey(projectID, filePath string) string {
	return projectID + "\x00" + filePath
}

// Acquire opens (or joins) the live document for a file and registers
// onFragment to run for every fragment applied by any other watcher,
// local or remote. The watcher that applied a fragment never gets it
// back.
func (e *Engine) Acquire(ctx context.Context, projectID, filePath, watcherID string, onFragment func(fragment []byte)) (*Handle, error) {
	e.mu.Lock()
	ent, ok := e.open[docKey(projectID, filePath)]
	if !ok {
		ent = &entry{
			engine:    e,
			projectID: projectID,
			filePath:  filePath,
			doc:       crdt.New(),
			watchers:  make(map[string]func([]byte)),
		}
		e.open[docKey(projectID, filePath)] = ent
	}
	ent.refs++
	e.mu.Unlock()

	ent.mu.Lock()
	if !ent.hydrated {
		if err := ent.hydrate(ctx); err != nil {
			ent.mu.Unlock()
			e.release(ent, watcherID)
			return nil, err
		}
		ent.hydrated = true
	}
	ent.watchers[watcherID] = onFragment
	ent.mu.Unlock()

	return &Handle{entry: ent, watcherID: watcherID}, nil
}

// hydrate reconciles the durable snapshot into the cache-resident state.
// The durable store wins at open time; the cache owns live edits after.
// Called with entry.mu held.
func (ent *entry) hydrate(ctx context.Context) error {
	e := ent.engine

	cacheState, inCache, err := e.cache.GetState(ctx, ent.projectID, ent.filePath)
	if err != nil {
		return err
	}
	doc, err := crdt.Decode(cacheState)
	if err != nil {
		// A corrupt cache mirror is recoverable; the durable snapshot
		// is about to be merged in.
		log.Printf("WARNING: corrupt cached state for %s/%s: %v", ent.projectID, ent.filePath, err)
		doc = crdt.New()
		inCache = false
	}

	durable, err := e.store.Get(ctx, blob.FileKey(ent.projectID, ent.filePath))
	if err != nil && !errors.Is(err, blob.ErrNotExist) {
		return fmt.Errorf("load durable state: %w", err)
	}
	if err == nil && (!inCache || !bytes.Equal(durable, cacheState)) {
		if err := doc.Merge(durable); err != nil {
			return fmt.Errorf("merge durable state: %w", err)
		}
	}
	ent.doc = doc

	if err := e.cache.SetState(ctx, ent.projectID, ent.filePath, doc.Encode()); err != nil {
		return err
	}

	sub, err := e.cache.Subscribe(ctx, cache.UpdateChannel(ent.projectID, ent.filePath), ent.onBusFragment)
	if err != nil {
		return err
	}
	ent.sub = sub
	return nil
}

// onBusFragment handles fragments published by other processes sharing
// the cache.
func (ent *entry) onBusFragment(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("WARNING: malformed bus fragment for %s/%s: %v", ent.projectID, ent.filePath, err)
		return
	}
	if env.Proc == ent.engine.procID {
		return // applied locally already
	}

	ent.mu.Lock()
	if err := ent.doc.Merge(env.Frag); err != nil {
		ent.mu.Unlock()
		log.Printf("WARNING: merge bus fragment for %s/%s: %v", ent.projectID, ent.filePath, err)
		return
	}
	watchers := ent.watcherSnapshot(env.Origin)
	ent.mu.Unlock()

	for _, fn := range watchers {
		fn(env.Frag)
	}
}

// watcherSnapshot returns the callbacks of every watcher except the
// originator. Called with entry.mu held.
func (ent *entry) watcherSnapshot(exclude string) []func([]byte) {
	fns := make([]func([]byte), 0, len(ent.watchers))
	for id, fn := range ent.watchers {
		if id == exclude {
			continue
		}
		fns = append(fns, fn)
	}
	return fns
}

// Apply merges a fragment produced by this handle's watcher, mirrors the
// new full state to the cache, publishes the fragment on the bus, and
// fans it out to every other local watcher.
func (h *Handle) Apply(ctx context.Context, fragment []byte) error {
	ent := h.entry

	ent.mu.Lock()
	if err := ent.doc.Merge(fragment); err != nil {
		ent.mu.Unlock()
		return fmt.Errorf("apply fragment: %w", err)
	}
	state := ent.doc.Encode()
	watchers := ent.watcherSnapshot(h.watcherID)
	ent.mu.Unlock()

	if err := ent.engine.cache.SetState(ctx, ent.projectID, ent.filePath, state); err != nil {
		return err
	}

	payload, _ := json.Marshal(envelope{
		Proc:   ent.engine.procID,
		Origin: h.watcherID,
		Frag:   fragment,
	})
	if err := ent.engine.cache.Publish(ctx, cache.UpdateChannel(ent.projectID, ent.filePath), payload); err != nil {
		return err
	}

	for _, fn := range watchers {
		fn(fragment)
	}
	return nil
}

// State returns the document's full serialized state.
func (h *Handle) State() []byte {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.doc.Encode()
}

// Text returns the document's flattened content.
func (h *Handle) Text() string {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.doc.Flatten()
}

// Close releases the watcher's reference. The last close tears down the
// registry entry and its channel-bus subscription.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.entry.engine.release(h.entry, h.watcherID)
}

func (e *Engine) release(ent *entry, watcherID string) {
	ent.mu.Lock()
	delete(ent.watchers, watcherID)
	ent.mu.Unlock()

	e.mu.Lock()
	ent.refs--
	last := ent.refs == 0
	if last {
		delete(e.open, docKey(ent.projectID, ent.filePath))
	}
	e.mu.Unlock()

	if last && ent.sub != nil {
		if err := ent.sub.Close(); err != nil {
			log.Printf("WARNING: close bus subscription for %s/%s: %v", ent.projectID, ent.filePath, err)
		}
	}
}

// OpenCount reports how many documents are live in this process.
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}
