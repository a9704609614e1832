// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package durable

import (
	"strconv"
	"strings"
)

// Segment is one element of a Location: either a name index or a loop
// iteration marker. Exactly one of the two forms is populated.
type Segment struct {
	// NameIndex is the index into the name registry. IsLoop is false for
	// this form.
	NameIndex int

	// IsLoop marks this segment as a loop-iteration marker rather than a
	// plain name reference.
	IsLoop bool

	// LoopNameIndex is the registry index of the loop's own name, valid
	// only when IsLoop is true.
	LoopNameIndex int

	// Iteration is the loop iteration number, valid only when IsLoop is
	// true.
	Iteration int
}

// Location is an ordered path into the workflow's execution tree. The
// zero value is the workflow root. Locations are immutable once built —
// Append* return a new Location, never mutate the receiver, so sibling
// branches can share a common prefix safely.
type Location struct {
	segments []Segment
}

// RootLocation returns the empty location (the workflow root).
func RootLocation() Location {
	return Location{}
}

// AppendName registers name in the registry (if not already present) and
// returns a new Location with the name's index appended.
func (l Location) AppendName(reg *NameRegistry, name string) Location {
	idx := reg.indexOf(name)
	segs := make([]Segment, len(l.segments)+1)
	copy(segs, l.segments)
	segs[len(l.segments)] = Segment{NameIndex: idx}
	return Location{segments: segs}
}

// AppendLoopIteration returns a new Location with a loop-iteration marker
// appended for the given loop name and iteration number.
func (l Location) AppendLoopIteration(reg *NameRegistry, loopName string, iteration int) Location {
	idx := reg.indexOf(loopName)
	segs := make([]Segment, len(l.segments)+1)
	copy(segs, l.segments)
	segs[len(l.segments)] = Segment{IsLoop: true, LoopNameIndex: idx, Iteration: iteration}
	return Location{segments: segs}
}

// Key returns the canonical location key used for map lookups, prefix
// deletes, and as the stable identifier surfaced to history-update
// consumers. The format is fixed forever by on-disk compatibility:
// segments are slash-separated, a name segment renders as its decimal
// index, and a loop-iteration segment renders as "<loopIndex>/~<iteration>".
func (l Location) Key() string {
	if len(l.segments) == 0 {
		return ""
	}
	var b strings.Builder
	for i, seg := range l.segments {
		if i > 0 {
			b.WriteByte('/')
		}
		if seg.IsLoop {
			b.WriteString(strconv.Itoa(seg.LoopNameIndex))
			b.WriteString("/~")
			b.WriteString(strconv.Itoa(seg.Iteration))
		} else {
			b.WriteString(strconv.Itoa(seg.NameIndex))
		}
	}
	return b.String()
}

// Empty reports whether this is the root location.
func (l Location) Empty() bool {
	return len(l.segments) == 0
}

// LocationFromKey rebuilds a Location from a string previously produced
// by Key. Drivers that persist entries keyed by Location.Key alone (and
// never decode segment names back out of them) use this to reconstruct
// a usable Location on Hydrate without round-tripping through the name
// registry.
func LocationFromKey(key string) Location {
	if key == "" {
		return Location{}
	}
	parts := strings.Split(key, "/")
	segs := make([]Segment, 0, len(parts))
	for i := 0; i < len(parts); i++ {
		if i+1 < len(parts) && strings.HasPrefix(parts[i+1], "~") {
			loopIdx, _ := strconv.Atoi(parts[i])
			iter, _ := strconv.Atoi(strings.TrimPrefix(parts[i+1], "~"))
			segs = append(segs, Segment{IsLoop: true, LoopNameIndex: loopIdx, Iteration: iter})
			i++
			continue
		}
		idx, _ := strconv.Atoi(parts[i])
		segs = append(segs, Segment{NameIndex: idx})
	}
	return Location{segments: segs}
}

// NameRegistry is the append-only, insertion-ordered table of durable
// operation names for one workflow instance. Indices are assigned
// sequentially and are stable forever once assigned: names are never
// removed or reordered.
type NameRegistry struct {
	names    []string
	indices  map[string]int
	flushed  int // number of names already persisted by the driver
}

// NewNameRegistry creates an empty registry.
func NewNameRegistry() *NameRegistry {
	return &NameRegistry{indices: make(map[string]int)}
}

// HydrateNameRegistry rebuilds a registry from a persisted, ordered name
// list. All loaded names count as already flushed.
func HydrateNameRegistry(names []string) *NameRegistry {
	reg := &NameRegistry{
		names:   append([]string(nil), names...),
		indices: make(map[string]int, len(names)),
		flushed: len(names),
	}
	for i, n := range names {
		reg.indices[n] = i
	}
	return reg
}

// indexOf returns the index for name, assigning a fresh sequential index
// if this is the first time name has been seen.
func (r *NameRegistry) indexOf(name string) int {
	if idx, ok := r.indices[name]; ok {
		return idx
	}
	idx := len(r.names)
	r.names = append(r.names, name)
	r.indices[name] = idx
	return idx
}

// Name returns the name stored at idx.
func (r *NameRegistry) Name(idx int) string {
	return r.names[idx]
}

// Len returns the number of registered names.
func (r *NameRegistry) Len() int {
	return len(r.names)
}

// All returns the full ordered name list. Callers must not mutate it.
func (r *NameRegistry) All() []string {
	return r.names
}

// PendingFlush returns the names appended since the last flush.
func (r *NameRegistry) PendingFlush() []string {
	return r.names[r.flushed:]
}

// MarkFlushed records that all names up to the current length have been
// persisted, so the next flush only ships the tail.
func (r *NameRegistry) MarkFlushed() {
	r.flushed = len(r.names)
}
