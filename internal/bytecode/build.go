package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"unsafe"

	"github.com/oxhq/plotnik/internal/infer"
)

var (
	ErrStringOverflow = errors.New("bytecode: string id exceeds slot width")
	ErrTooManyRegexes = errors.New("bytecode: regex table overflow")
)

// Builder assembles the arena in the three-pass style: callers intern
// everything first (analyze), then Finish computes aligned offsets in a
// single pass and emits into one allocation.
type Builder struct {
	strings   []string
	stringIdx map[string]uint32

	regexPats []uint32 // pattern string ids
	regexIdx  map[string]uint16

	nodeTypes   []nodeTypeRec
	nodeTypeIdx map[nodeTypeKey]uint16

	fields   []uint16 // field name string ids
	fieldIdx map[string]uint16

	trivia []uint16 // trivia kind name string ids

	table      *infer.Table
	memberBase []uint32 // global member offset per type id

	entries []Entrypoint

	trans []byte
}

type nodeTypeKey struct {
	name  string
	named bool
}

type nodeTypeRec struct {
	strID uint16
	named bool
}

// Entrypoint is one row of the entrypoint table.
type Entrypoint struct {
	Name string
	Step uint32
	Type uint32
}

func NewBuilder() *Builder {
	b := &Builder{
		stringIdx:   map[string]uint32{},
		regexIdx:    map[string]uint16{},
		nodeTypeIdx: map[nodeTypeKey]uint16{},
		fieldIdx:    map[string]uint16{},
	}
	// StringId(0) holds a non-empty sentinel, freeing 0 to mean
	// "no constraint" in type and field slots.
	b.strings = append(b.strings, "\x00plotnik")
	return b
}

// InternString returns the id for s, adding it on first sight.
func (b *Builder) InternString(s string) uint32 {
	if id, ok := b.stringIdx[s]; ok {
		return id
	}
	id := uint32(len(b.strings))
	b.strings = append(b.strings, s)
	b.stringIdx[s] = id
	return id
}

// NodeType interns a node-kind constraint and returns the string id used
// in unlinked type slots. Slots are 16 bits wide.
func (b *Builder) NodeType(name string, named bool) (uint16, error) {
	key := nodeTypeKey{name: name, named: named}
	id := b.InternString(name)
	if id > 0xFFFF {
		return 0, fmt.Errorf("%w: node type %q", ErrStringOverflow, name)
	}
	if _, seen := b.nodeTypeIdx[key]; !seen {
		b.nodeTypeIdx[key] = uint16(len(b.nodeTypes))
		b.nodeTypes = append(b.nodeTypes, nodeTypeRec{strID: uint16(id), named: named})
	}
	return uint16(id), nil
}

// Field interns a field-name constraint, returning the string id used in
// unlinked field slots.
func (b *Builder) Field(name string) (uint16, error) {
	id := b.InternString(name)
	if id > 0xFFFF {
		return 0, fmt.Errorf("%w: field %q", ErrStringOverflow, name)
	}
	if _, seen := b.fieldIdx[name]; !seen {
		b.fieldIdx[name] = uint16(id)
		b.fields = append(b.fields, uint16(id))
	}
	return uint16(id), nil
}

// Trivia records one trivia node kind for the per-language skip set.
func (b *Builder) Trivia(name string) error {
	id := b.InternString(name)
	if id > 0xFFFF {
		return fmt.Errorf("%w: trivia %q", ErrStringOverflow, name)
	}
	for _, t := range b.trivia {
		if t == uint16(id) {
			return nil
		}
	}
	b.trivia = append(b.trivia, uint16(id))
	return nil
}

// Regex interns a predicate pattern and returns its regex-table index.
func (b *Builder) Regex(pattern string) (uint16, error) {
	if idx, ok := b.regexIdx[pattern]; ok {
		return idx, nil
	}
	if len(b.regexPats) >= 0xFFFF {
		return 0, ErrTooManyRegexes
	}
	idx := uint16(len(b.regexPats))
	b.regexPats = append(b.regexPats, b.InternString(pattern))
	b.regexIdx[pattern] = idx
	return idx, nil
}

// SetTypes captures the inference table and lays members out so every
// struct field and enum variant has a stable global member index.
func (b *Builder) SetTypes(table *infer.Table) {
	b.table = table
	b.memberBase = make([]uint32, table.Len())
	var n uint32
	for id, ty := range table.All() {
		b.memberBase[id] = n
		n += uint32(len(ty.Members))
	}
	// Member and type names become strings now so the analyze pass sees
	// the complete pool.
	for _, ty := range table.All() {
		if ty.Name != "" {
			b.InternString(ty.Name)
		}
		for _, m := range ty.Members {
			b.InternString(m.Name)
		}
	}
}

// GlobalMember resolves a (scope type, local ordinal) pair to the global
// member index used by Set and StartEnum effect arguments.
func (b *Builder) GlobalMember(scope infer.TypeID, member int) uint32 {
	return b.memberBase[scope] + uint32(member)
}

// SetEntrypoints records the public definitions; Finish sorts them.
func (b *Builder) SetEntrypoints(entries []Entrypoint) {
	b.entries = entries
	for _, e := range entries {
		b.InternString(e.Name)
	}
}

// SetTransitions installs the emitted step heap.
func (b *Builder) SetTransitions(data []byte) {
	b.trans = data
}

func align(off, a uint32) uint32 {
	return (off + a - 1) &^ (a - 1)
}

// Finish lays the sections out and emits the arena in one allocation.
func (b *Builder) Finish() (*Program, error) {
	if b.table == nil {
		b.SetTypes(infer.NewTable())
	}
	sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].Name < b.entries[j].Name })

	// Sizes.
	var blob uint32
	for _, s := range b.strings {
		blob += uint32(len(s))
	}
	memberCount := 0
	for _, ty := range b.table.All() {
		memberCount += len(ty.Members)
	}
	typeNames := b.table.NamedTypes()

	sizes := [SectionCount]uint32{
		SecStrings:     blob,
		SecStringTable: uint32(len(b.strings)) * stringRecSize,
		SecRegex:       uint32(len(b.regexPats)) * regexRecSize,
		SecNodeTypes:   uint32(len(b.nodeTypes)) * nodeTypeRecSize,
		SecFields:      uint32(len(b.fields)) * fieldRecSize,
		SecTrivia:      uint32(len(b.trivia)) * triviaRecSize,
		SecTypes:       uint32(b.table.Len()) * typeRecSize,
		SecMembers:     uint32(memberCount) * memberRecSize,
		SecTypeNames:   uint32(len(typeNames)) * typeNameRecSize,
		SecEntrypoints: uint32(len(b.entries)) * entryRecSize,
		SecTransitions: uint32(len(b.trans)),
	}

	// Layout: aligned offsets, single allocation, no reallocation after.
	var offs [SectionCount]uint32
	var off uint32
	for i := range offs {
		off = align(off, sectionAlign[i])
		offs[i] = off
		off += sizes[i]
	}
	total := off
	body := alignedBuf(int(total))

	le := binary.LittleEndian

	// Strings blob and table.
	{
		pos := offs[SecStrings]
		rec := offs[SecStringTable]
		for _, s := range b.strings {
			copy(body[pos:], s)
			le.PutUint32(body[rec:], pos-offs[SecStrings])
			le.PutUint32(body[rec+4:], uint32(len(s)))
			pos += uint32(len(s))
			rec += stringRecSize
		}
	}
	// Regex table.
	for i, pat := range b.regexPats {
		rec := offs[SecRegex] + uint32(i)*regexRecSize
		le.PutUint32(body[rec:], pat)
		le.PutUint32(body[rec+4:], 0)
	}
	// Node types, fields, trivia: resolved columns start zero (unlinked).
	for i, nt := range b.nodeTypes {
		rec := offs[SecNodeTypes] + uint32(i)*nodeTypeRecSize
		le.PutUint16(body[rec:], nt.strID)
		var named uint16
		if nt.named {
			named = 1
		}
		le.PutUint16(body[rec+2:], named)
	}
	for i, f := range b.fields {
		le.PutUint16(body[offs[SecFields]+uint32(i)*fieldRecSize:], f)
	}
	for i, t := range b.trivia {
		le.PutUint16(body[offs[SecTrivia]+uint32(i)*triviaRecSize:], t)
	}
	// Types and members.
	{
		mrec := offs[SecMembers]
		var mcount uint32
		for i, ty := range b.table.All() {
			rec := offs[SecTypes] + uint32(i)*typeRecSize
			body[rec] = byte(ty.Kind)
			le.PutUint32(body[rec+4:], uint32(ty.Elem))
			var nameID uint32
			if ty.Name != "" {
				nameID = b.InternStringExisting(ty.Name)
			}
			le.PutUint32(body[rec+8:], nameID)
			le.PutUint32(body[rec+12:], mcount)
			le.PutUint32(body[rec+16:], uint32(len(ty.Members)))
			for _, m := range ty.Members {
				le.PutUint32(body[mrec:], b.InternStringExisting(m.Name))
				le.PutUint32(body[mrec+4:], uint32(m.Type))
				mrec += memberRecSize
				mcount++
			}
		}
	}
	// Type names, already lexicographically sorted by the table.
	for i, tn := range typeNames {
		rec := offs[SecTypeNames] + uint32(i)*typeNameRecSize
		le.PutUint32(body[rec:], b.InternStringExisting(tn.Name))
		le.PutUint32(body[rec+4:], uint32(tn.Type))
	}
	// Entrypoints.
	for i, e := range b.entries {
		rec := offs[SecEntrypoints] + uint32(i)*entryRecSize
		le.PutUint32(body[rec:], b.InternStringExisting(e.Name))
		le.PutUint32(body[rec+4:], e.Step)
		le.PutUint32(body[rec+8:], e.Type)
	}
	copy(body[offs[SecTransitions]:], b.trans)

	p := &Program{
		body:    body,
		version: Version,
		flags:   FlagOwned,
		offs:    offs,
		sizes:   sizes,
	}
	if err := p.compileRegexes(); err != nil {
		return nil, err
	}
	return p, nil
}

// InternStringExisting looks up an id that must already be interned; the
// emit pass never grows the pool.
func (b *Builder) InternStringExisting(s string) uint32 {
	id, ok := b.stringIdx[s]
	if !ok {
		panic("bytecode: string not interned during analyze pass: " + s)
	}
	return id
}

// alignedBuf returns a zeroed slice whose first byte sits on a 64-byte
// boundary.
func alignedBuf(size int) []byte {
	raw := make([]byte, size+CacheLine)
	off := int(CacheLine-uintptr(unsafe.Pointer(unsafe.SliceData(raw)))%CacheLine) % CacheLine
	return raw[off : off+size : off+size]
}

// checksum covers everything after the checksum field: the header tail
// and the body.
func checksum(headerTail, body []byte) uint32 {
	c := crc32.ChecksumIEEE(headerTail)
	return crc32.Update(c, crc32.IEEETable, body)
}
