// Package category reconciles nested category descriptors from a snapshot
// into a persisted tree.
//
// The tree is held in memory as an arena: a flat node slice where each node
// points at its parent by slice index. Lookups go through code and
// (name, parent) indexes; writes are delegated to a Store so they join the
// caller's transaction.
package category

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

var ErrUnresolvable = errors.New("unresolvable category")

// Descriptor is one level of an item's category chain, outermost first.
type Descriptor struct {
	Name string
	Code string
	Sub  *Descriptor
}

// Path returns the chain names joined by " / ", up to the first unnamed level.
func (d *Descriptor) Path() string {
	var parts []string
	for cur := d; cur != nil; cur = cur.Sub {
		n := strings.TrimSpace(cur.Name)
		if n == "" {
			break
		}
		parts = append(parts, n)
	}
	return strings.Join(parts, " / ")
}

// Codes returns every external code in the chain.
func (d *Descriptor) Codes() []string {
	var out []string
	for cur := d; cur != nil; cur = cur.Sub {
		if c := strings.TrimSpace(cur.Code); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Validate rejects chains that would make a node its own ancestor.
func (d *Descriptor) Validate() error {
	seen := map[string]bool{}
	for cur := d; cur != nil; cur = cur.Sub {
		c := strings.TrimSpace(cur.Code)
		if c == "" {
			continue
		}
		if seen[c] {
			return fmt.Errorf("%w: code %q repeats within one chain", ErrUnresolvable, c)
		}
		seen[c] = true
	}
	return nil
}

// Record is the persisted form of a node. ParentID 0 means root.
type Record struct {
	ID       uint
	Name     string
	Code     string
	ParentID uint
	Slug     string
	Visible  bool
	SourceID uint
}

type Store interface {
	Load(ctx context.Context) ([]Record, error)
	// Find looks a node up by code, or by name under parentID when code is
	// empty. It sees rows committed after the last Load.
	Find(ctx context.Context, code, name string, parentID uint) (Record, bool, error)
	Create(ctx context.Context, r *Record) error
	Update(ctx context.Context, r Record) error
	SourceID() uint
}

type node struct {
	rec    Record
	parent int // arena index, -1 for roots
}

type nameKey struct {
	name   string
	parent int
}

type Resolver struct {
	log    zerolog.Logger
	nodes  []node
	byID   map[uint]int
	byCode map[string]int
	byName map[nameKey]int

	created, updated int
}

func NewResolver(log zerolog.Logger) *Resolver {
	r := &Resolver{log: log}
	r.reset()
	return r
}

func (r *Resolver) reset() {
	r.nodes = r.nodes[:0]
	r.byID = map[uint]int{}
	r.byCode = map[string]int{}
	r.byName = map[nameKey]int{}
}

// Reload rebuilds the arena from the store, discarding anything resolved since
// the last load.
func (r *Resolver) Reload(ctx context.Context, st Store) error {
	recs, err := st.Load(ctx)
	if err != nil {
		return fmt.Errorf("load categories: %w", err)
	}
	r.reset()
	for _, rec := range recs {
		r.byID[rec.ID] = len(r.nodes)
		r.nodes = append(r.nodes, node{rec: rec, parent: -1})
	}
	for i := range r.nodes {
		if pid := r.nodes[i].rec.ParentID; pid != 0 {
			if p, ok := r.byID[pid]; ok {
				r.nodes[i].parent = p
			}
		}
	}
	for i := range r.nodes {
		r.index(i)
	}
	return nil
}

func (r *Resolver) index(i int) {
	n := r.nodes[i]
	if n.rec.Code != "" {
		r.byCode[n.rec.Code] = i
	}
	k := nameKey{n.rec.Name, n.parent}
	if _, ok := r.byName[k]; !ok {
		r.byName[k] = i
	}
}

func (r *Resolver) unindexName(i int) {
	n := r.nodes[i]
	k := nameKey{n.rec.Name, n.parent}
	if r.byName[k] != i {
		return
	}
	delete(r.byName, k)
	for j := range r.nodes {
		if j != i && r.nodes[j].rec.Name == n.rec.Name && r.nodes[j].parent == n.parent {
			r.byName[k] = j
			return
		}
	}
}

// Path returns the names from the root down to the node with id, joined by
// " / ". Unknown ids give "".
func (r *Resolver) Path(id uint) string {
	i, ok := r.byID[id]
	if !ok {
		return ""
	}
	var names []string
	for steps := 0; i >= 0 && steps <= len(r.nodes); steps++ {
		names = append(names, r.nodes[i].rec.Name)
		i = r.nodes[i].parent
	}
	for a, b := 0, len(names)-1; a < b; a, b = a+1, b-1 {
		names[a], names[b] = names[b], names[a]
	}
	return strings.Join(names, " / ")
}

// Len is the number of known nodes.
func (r *Resolver) Len() int { return len(r.nodes) }

// Stats returns nodes created and updated since construction.
func (r *Resolver) Stats() (created, updated int) { return r.created, r.updated }

// Resolve walks d from the outermost level down, matching, creating or
// updating one node per level, and returns the id of the deepest node.
// A nil descriptor or an empty outermost name resolves to 0 (no category).
func (r *Resolver) Resolve(ctx context.Context, st Store, d *Descriptor) (uint, error) {
	if d == nil {
		return 0, nil
	}
	if err := d.Validate(); err != nil {
		return 0, err
	}

	parent := -1
	visited := map[int]bool{}
	for cur := d; cur != nil; cur = cur.Sub {
		name := strings.TrimSpace(cur.Name)
		if name == "" {
			break
		}
		code := strings.TrimSpace(cur.Code)

		idx, err := r.resolveLevel(ctx, st, name, code, parent, visited)
		if err != nil {
			return 0, err
		}
		visited[idx] = true
		parent = idx
	}
	if parent < 0 {
		return 0, nil
	}
	return r.nodes[parent].rec.ID, nil
}

// adopt takes in a node written outside this arena and returns its index.
// A node the arena already holds is refreshed in place.
func (r *Resolver) adopt(rec Record) int {
	parent := -1
	if p, ok := r.byID[rec.ParentID]; ok && rec.ParentID != 0 {
		parent = p
	}
	idx, known := r.byID[rec.ID]
	if known {
		r.unindexName(idx)
		r.nodes[idx] = node{rec: rec, parent: parent}
	} else {
		idx = len(r.nodes)
		r.nodes = append(r.nodes, node{rec: rec, parent: parent})
		r.byID[rec.ID] = idx
	}
	r.index(idx)
	r.log.Debug().Str("category", rec.Name).Str("code", rec.Code).Uint("id", rec.ID).Msg("category adopted from store")
	return idx
}

func (r *Resolver) parentSlug(parent int) string {
	if parent < 0 {
		return ""
	}
	return r.nodes[parent].rec.Slug
}

func (r *Resolver) parentID(parent int) uint {
	if parent < 0 {
		return 0
	}
	return r.nodes[parent].rec.ID
}

func (r *Resolver) resolveLevel(ctx context.Context, st Store, name, code string, parent int, visited map[int]bool) (int, error) {
	idx, found := -1, false
	if code != "" {
		idx, found = r.byCode[code]
	} else {
		idx, found = r.byName[nameKey{name, parent}]
	}
	// an ancestor matched again would become its own parent
	if found && visited[idx] {
		return 0, fmt.Errorf("%w: node %q reached twice in one chain", ErrUnresolvable, name)
	}

	if !found {
		// another source's run may have committed it since the arena was loaded
		rec, ok, err := st.Find(ctx, code, name, r.parentID(parent))
		if err != nil {
			return 0, fmt.Errorf("find category %q: %w", name, err)
		}
		if ok {
			idx, found = r.adopt(rec), true
			if visited[idx] {
				return 0, fmt.Errorf("%w: node %q reached twice in one chain", ErrUnresolvable, name)
			}
		}
	}

	slug := ChildSlug(r.parentSlug(parent), name)
	if !found {
		rec := Record{
			Name:     name,
			Code:     code,
			ParentID: r.parentID(parent),
			Slug:     slug,
			Visible:  true,
			SourceID: st.SourceID(),
		}
		if err := st.Create(ctx, &rec); err != nil {
			return 0, fmt.Errorf("create category %q: %w", name, err)
		}
		idx = len(r.nodes)
		r.nodes = append(r.nodes, node{rec: rec, parent: parent})
		r.byID[rec.ID] = idx
		r.index(idx)
		r.created++
		r.log.Info().Str("category", name).Str("code", code).Str("slug", slug).Msg("category created")
		return idx, nil
	}

	n := r.nodes[idx]
	if n.rec.Name == name && n.parent == parent && n.rec.Slug == slug &&
		n.rec.Visible && n.rec.SourceID == st.SourceID() {
		return idx, nil
	}

	upd := n.rec
	upd.Name = name
	upd.ParentID = r.parentID(parent)
	upd.Slug = slug
	upd.Visible = true
	upd.SourceID = st.SourceID()
	if err := st.Update(ctx, upd); err != nil {
		return 0, fmt.Errorf("update category %q: %w", name, err)
	}

	r.unindexName(idx)
	r.nodes[idx] = node{rec: upd, parent: parent}
	r.index(idx)
	r.updated++
	if n.rec.Slug != slug {
		if err := r.reslugBelow(ctx, st, idx); err != nil {
			return 0, err
		}
	}
	r.log.Info().
		Str("category", name).
		Str("code", code).
		Str("old_name", n.rec.Name).
		Str("old_slug", n.rec.Slug).
		Str("slug", slug).
		Msg("category updated")
	return idx, nil
}

// reslugBelow rewrites descendant slugs after the node at idx got a new one.
// Only slugs change; names, parents and owning sources stay as they are.
func (r *Resolver) reslugBelow(ctx context.Context, st Store, idx int) error {
	stack := []int{idx}
	seen := map[int]bool{idx: true}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for j := range r.nodes {
			if r.nodes[j].parent != p || seen[j] {
				continue
			}
			seen[j] = true
			slug := ChildSlug(r.nodes[p].rec.Slug, r.nodes[j].rec.Name)
			if slug == r.nodes[j].rec.Slug {
				continue
			}
			upd := r.nodes[j].rec
			upd.Slug = slug
			if err := st.Update(ctx, upd); err != nil {
				return fmt.Errorf("reslug category %q: %w", upd.Name, err)
			}
			r.nodes[j].rec = upd
			r.updated++
			stack = append(stack, j)
		}
	}
	return nil
}
