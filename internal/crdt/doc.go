// Package crdt implements the mergeable text document that backs every
// collaboratively edited file. A document is a causal tree of single-rune
// inserts plus a tombstone set; merging is a set union, so applying the
// same fragments in any order, any number of times, flattens to the same
// text.
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
)

// ID names one insert operation. Seq is a per-site Lamport timestamp, so
// (Site, Seq) is globally unique.
type ID struct {
	Site uint64 `json:"s"`
	Seq  uint64 `json:"q"`
}

// rootID anchors the tree; it is never a real insert.
var rootID = ID{}

type insert struct {
	ID     ID     `json:"id"`
	Origin ID     `json:"or"`
	Text   string `json:"t"`
}

// wire is the serialized form of both full states and fragments. A
// fragment is simply a partial state, which keeps Merge uniform.
type wire struct {
	Inserts []insert `json:"ins"`
	Deletes []ID     `json:"del,omitempty"`
}

// Doc is one live document. It is not safe for concurrent use; callers
// serialize access per document.
type Doc struct {
	site  uint64
	clock uint64
	ops   map[ID]insert
	dead  map[ID]bool
}

func New() *Doc {
	return NewWithSite(randomSite())
}

func NewWithSite(site uint64) *Doc {
	return &Doc{
		site: site,
		ops:  make(map[ID]insert),
		dead: make(map[ID]bool),
	}
}

// FromText builds a fresh document whose flattened content is text.
func FromText(text string) *Doc {
	doc := New()
	if text != "" {
		_, _ = doc.InsertAt(0, text)
	}
	return doc
}

// Decode rebuilds a document from serialized state. Empty state decodes
// to an empty document. The decoded document gets a fresh site so it can
// be edited immediately.
func Decode(state []byte) (*Doc, error) {
	doc := New()
	if len(state) == 0 {
		return doc, nil
	}
	if err := doc.Merge(state); err != nil {
		return nil, err
	}
	return doc, nil
}

// Encode serializes the full state deterministically.
func (d *Doc) Encode() []byte {
	inserts := make([]insert, 0, len(d.ops))
	for _, op := range d.ops {
		inserts = append(inserts, op)
	}
	sort.Slice(inserts, func(i, j int) bool { return idLess(inserts[i].ID, inserts[j].ID) })

	deletes := make([]ID, 0, len(d.dead))
	for id := range d.dead {
		deletes = append(deletes, id)
	}
	sort.Slice(deletes, func(i, j int) bool { return idLess(deletes[i], deletes[j]) })

	encoded, _ := json.Marshal(wire{Inserts: inserts, Deletes: deletes})
	return encoded
}

// Merge folds a fragment (or a full state) into the document. Unknown
// inserts are added, tombstones are unioned, known operations are ignored.
func (d *Doc) Merge(fragment []byte) error {
	if len(fragment) == 0 {
		return nil
	}
	var w wire
	if err := json.Unmarshal(fragment, &w); err != nil {
		return fmt.Errorf("decode fragment: %w", err)
	}
	for _, op := range w.Inserts {
		if op.ID == rootID {
			return fmt.Errorf("decode fragment: insert with zero id")
		}
		if _, ok := d.ops[op.ID]; !ok {
			d.ops[op.ID] = op
		}
		if op.ID.Seq > d.clock {
			d.clock = op.ID.Seq
		}
	}
	for _, id := range w.Deletes {
		d.dead[id] = true
	}
	return nil
}

// Merge folds fragment into an encoded state and returns the new state.
func Merge(state, fragment []byte) ([]byte, error) {
	doc, err := Decode(state)
	if err != nil {
		return nil, err
	}
	if err := doc.Merge(fragment); err != nil {
		return nil, err
	}
	return doc.Encode(), nil
}

// Flatten returns the document's visible text.
func (d *Doc) Flatten() string {
	runes := make([]rune, 0, len(d.ops))
	d.walk(func(op insert) {
		runes = append(runes, []rune(op.Text)...)
	})
	return string(runes)
}

// Len reports the number of visible runes.
func (d *Doc) Len() int {
	n := 0
	d.walk(func(insert) { n++ })
	return n
}

// InsertAt inserts text at the visible rune position pos and returns the
// fragment encoding the new operations.
func (d *Doc) InsertAt(pos int, text string) ([]byte, error) {
	visible := d.visibleIDs()
	if pos < 0 || pos > len(visible) {
		return nil, fmt.Errorf("insert position %d out of range [0,%d]", pos, len(visible))
	}
	origin := rootID
	if pos > 0 {
		origin = visible[pos-1]
	}

	added := make([]insert, 0, len(text))
	for _, r := range text {
		d.clock++
		op := insert{ID: ID{Site: d.site, Seq: d.clock}, Origin: origin, Text: string(r)}
		d.ops[op.ID] = op
		added = append(added, op)
		origin = op.ID
	}
	encoded, _ := json.Marshal(wire{Inserts: added})
	return encoded, nil
}

// DeleteAt removes count visible runes starting at pos and returns the
// fragment encoding the tombstones.
func (d *Doc) DeleteAt(pos, count int) ([]byte, error) {
	visible := d.visibleIDs()
	if pos < 0 || count < 0 || pos+count > len(visible) {
		return nil, fmt.Errorf("delete range [%d,%d) out of range [0,%d]", pos, pos+count, len(visible))
	}
	removed := make([]ID, 0, count)
	for _, id := range visible[pos : pos+count] {
		d.dead[id] = true
		removed = append(removed, id)
	}
	encoded, _ := json.Marshal(wire{Deletes: removed})
	return encoded, nil
}

// DiffSince returns the fragment of operations present here but absent
// from the checkpoint state.
func (d *Doc) DiffSince(checkpoint []byte) ([]byte, error) {
	seen := make(map[ID]bool)
	deleted := make(map[ID]bool)
	if len(checkpoint) > 0 {
		var w wire
		if err := json.Unmarshal(checkpoint, &w); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		for _, op := range w.Inserts {
			seen[op.ID] = true
		}
		for _, id := range w.Deletes {
			deleted[id] = true
		}
	}

	var diff wire
	for id, op := range d.ops {
		if !seen[id] {
			diff.Inserts = append(diff.Inserts, op)
		}
	}
	for id := range d.dead {
		if !deleted[id] {
			diff.Deletes = append(diff.Deletes, id)
		}
	}
	sort.Slice(diff.Inserts, func(i, j int) bool { return idLess(diff.Inserts[i].ID, diff.Inserts[j].ID) })
	sort.Slice(diff.Deletes, func(i, j int) bool { return idLess(diff.Deletes[i], diff.Deletes[j]) })
	encoded, _ := json.Marshal(diff)
	return encoded, nil
}

// walk traverses the causal tree in document order, invoking fn for every
// visible insert. Siblings sort by descending (Seq, Site) so concurrent
// inserts at the same origin linearize identically on every replica.
// Inserts whose origin has not arrived yet stay unreachable until it does.
func (d *Doc) walk(fn func(insert)) {
	children := make(map[ID][]insert, len(d.ops))
	for _, op := range d.ops {
		children[op.Origin] = append(children[op.Origin], op)
	}
	for _, siblings := range children {
		sort.Slice(siblings, func(i, j int) bool {
			if siblings[i].ID.Seq != siblings[j].ID.Seq {
				return siblings[i].ID.Seq > siblings[j].ID.Seq
			}
			return siblings[i].ID.Site > siblings[j].ID.Site
		})
	}

	var visit func(id ID)
	visit = func(id ID) {
		for _, op := range children[id] {
			if !d.dead[op.ID] {
				fn(op)
			}
			visit(op.ID)
		}
	}
	visit(rootID)
}

func (d *Doc) visibleIDs() []ID {
	ids := make([]ID, 0, len(d.ops))
	d.walk(func(op insert) {
		ids = append(ids, op.ID)
	})
	return ids
}

func idLess(a, b ID) bool {
	if a.Site != b.Site {
		return a.Site < b.Site
	}
	return a.Seq < b.Seq
}

func randomSite() uint64 {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	site := binary.BigEndian.Uint64(buf)
	if site == 0 {
		site = 1
	}
	return site
}
