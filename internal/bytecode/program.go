package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/oxhq/plotnik/internal/infer"
)

var (
	ErrBadMagic    = errors.New("bytecode: bad magic")
	ErrBadVersion  = errors.New("bytecode: unsupported version")
	ErrBadChecksum = errors.New("bytecode: checksum mismatch")
	ErrBadABI      = errors.New("bytecode: ABI fingerprint mismatch")
	ErrTruncated   = errors.New("bytecode: truncated buffer")
	ErrNoEntry     = errors.New("bytecode: entrypoint not found")
)

// Program is a compiled query: one aligned buffer plus decoded section
// bounds and the lazily materialized regex programs. It is immutable
// after construction and safe to share across goroutines.
type Program struct {
	body    []byte
	version uint16
	flags   uint16
	offs    [SectionCount]uint32
	sizes   [SectionCount]uint32
	regexes []*regexp.Regexp
}

func (p *Program) Version() uint16 { return p.version }
func (p *Program) Linked() bool    { return p.flags&FlagLinked != 0 }

// Owned reports whether the buffer owns its allocation, as opposed to
// borrowing a file mapping. The flag travels with the buffer so the
// owner can release it correctly.
func (p *Program) Owned() bool { return p.flags&FlagOwned != 0 }

func (p *Program) section(i int) []byte {
	return p.body[p.offs[i] : p.offs[i]+p.sizes[i]]
}

// String resolves an interned string id.
func (p *Program) String(id uint32) string {
	tab := p.section(SecStringTable)
	rec := id * stringRecSize
	if int(rec)+stringRecSize > len(tab) {
		return ""
	}
	le := binary.LittleEndian
	off := le.Uint32(tab[rec:])
	n := le.Uint32(tab[rec+4:])
	blob := p.section(SecStrings)
	return string(blob[off : off+n])
}

func (p *Program) StringCount() int { return int(p.sizes[SecStringTable] / stringRecSize) }

// Steps exposes the transition heap; StepID i starts at byte i*StepSize.
func (p *Program) Steps() []byte { return p.section(SecTransitions) }

func (p *Program) StepCount() uint32 { return p.sizes[SecTransitions] / StepSize }

// NodeTypeRecord is one row of the symbol mapping.
type NodeTypeRecord struct {
	StrID    uint16
	Named    bool
	Resolved uint16
}

func (p *Program) NodeTypeCount() int { return int(p.sizes[SecNodeTypes] / nodeTypeRecSize) }

func (p *Program) NodeTypeAt(i int) NodeTypeRecord {
	rec := p.section(SecNodeTypes)[i*nodeTypeRecSize:]
	le := binary.LittleEndian
	return NodeTypeRecord{
		StrID:    le.Uint16(rec),
		Named:    le.Uint16(rec[2:]) != 0,
		Resolved: le.Uint16(rec[4:]),
	}
}

// FieldRecord is one field-name mapping row.
type FieldRecord struct {
	StrID    uint16
	Resolved uint16
}

func (p *Program) FieldCount() int { return int(p.sizes[SecFields] / fieldRecSize) }

func (p *Program) FieldAt(i int) FieldRecord {
	rec := p.section(SecFields)[i*fieldRecSize:]
	le := binary.LittleEndian
	return FieldRecord{StrID: le.Uint16(rec), Resolved: le.Uint16(rec[2:])}
}

// TriviaKinds returns the skip set: resolved kind ids when linked,
// string ids otherwise.
func (p *Program) TriviaKinds() []uint16 {
	n := int(p.sizes[SecTrivia] / triviaRecSize)
	out := make([]uint16, 0, n)
	sec := p.section(SecTrivia)
	le := binary.LittleEndian
	for i := 0; i < n; i++ {
		rec := sec[i*triviaRecSize:]
		if p.Linked() {
			out = append(out, le.Uint16(rec[2:]))
		} else {
			out = append(out, le.Uint16(rec))
		}
	}
	return out
}

// TypeRecord is one decoded type entry.
type TypeRecord struct {
	Kind        infer.Kind
	Elem        uint32
	NameID      uint32
	MemberOff   uint32
	MemberCount uint32
}

func (p *Program) TypeCount() int { return int(p.sizes[SecTypes] / typeRecSize) }

func (p *Program) TypeAt(id uint32) TypeRecord {
	rec := p.section(SecTypes)[id*typeRecSize:]
	le := binary.LittleEndian
	return TypeRecord{
		Kind:        infer.Kind(rec[0]),
		Elem:        le.Uint32(rec[4:]),
		NameID:      le.Uint32(rec[8:]),
		MemberOff:   le.Uint32(rec[12:]),
		MemberCount: le.Uint32(rec[16:]),
	}
}

// MemberAt decodes a global member record.
func (p *Program) MemberAt(global uint32) (nameID, typeID uint32) {
	rec := p.section(SecMembers)[global*memberRecSize:]
	le := binary.LittleEndian
	return le.Uint32(rec), le.Uint32(rec[4:])
}

func (p *Program) MemberCount() int { return int(p.sizes[SecMembers] / memberRecSize) }

// MemberName resolves the name a Set or StartEnum argument refers to.
func (p *Program) MemberName(global uint32) string {
	nameID, _ := p.MemberAt(global)
	return p.String(nameID)
}

// TypeByName binary-searches the lexicographically sorted name table.
func (p *Program) TypeByName(name string) (uint32, bool) {
	n := int(p.sizes[SecTypeNames] / typeNameRecSize)
	sec := p.section(SecTypeNames)
	le := binary.LittleEndian
	i := sort.Search(n, func(i int) bool {
		return p.String(le.Uint32(sec[i*typeNameRecSize:])) >= name
	})
	if i < n && p.String(le.Uint32(sec[i*typeNameRecSize:])) == name {
		return le.Uint32(sec[i*typeNameRecSize+4:]), true
	}
	return 0, false
}

func (p *Program) EntryCount() int { return int(p.sizes[SecEntrypoints] / entryRecSize) }

// EntryAt decodes one entrypoint row.
func (p *Program) EntryAt(i int) (name string, step, typeID uint32) {
	rec := p.section(SecEntrypoints)[i*entryRecSize:]
	le := binary.LittleEndian
	return p.String(le.Uint32(rec)), le.Uint32(rec[4:]), le.Uint32(rec[8:])
}

// Entry resolves an entrypoint by name; the empty name selects the sole
// entrypoint when exactly one exists.
func (p *Program) Entry(name string) (step, typeID uint32, err error) {
	n := p.EntryCount()
	if name == "" {
		if n == 1 {
			_, step, typeID = p.EntryAt(0)
			return step, typeID, nil
		}
		return 0, 0, fmt.Errorf("%w: query has %d entrypoints, name one", ErrNoEntry, n)
	}
	i := sort.Search(n, func(i int) bool {
		en, _, _ := p.EntryAt(i)
		return en >= name
	})
	if i < n {
		if en, step, typeID := p.EntryAt(i); en == name {
			return step, typeID, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrNoEntry, name)
}

// Regexp returns the compiled predicate pattern at a regex-table index.
func (p *Program) Regexp(idx uint16) *regexp.Regexp { return p.regexes[idx] }

func (p *Program) compileRegexes() error {
	n := int(p.sizes[SecRegex] / regexRecSize)
	p.regexes = make([]*regexp.Regexp, n)
	sec := p.section(SecRegex)
	le := binary.LittleEndian
	for i := 0; i < n; i++ {
		pat := p.String(le.Uint32(sec[i*regexRecSize:]))
		re, err := regexp.Compile(pat)
		if err != nil {
			return fmt.Errorf("bytecode: regex %d: %w", i, err)
		}
		p.regexes[i] = re
	}
	return nil
}

// Encode serializes the program: a 64-byte little-endian header followed
// by the body, positioned so body offset 0 is 64-byte aligned in the
// file.
func (p *Program) Encode() []byte {
	out := make([]byte, HeaderSize+len(p.body))
	le := binary.LittleEndian
	copy(out[0:4], Magic)
	le.PutUint16(out[4:], p.version)
	le.PutUint16(out[6:], p.flags&^FlagOwned)
	// out[8:12] checksum, filled below
	le.PutUint32(out[12:], abiHash())
	le.PutUint32(out[16:], uint32(len(p.body)))
	for i, off := range p.offs {
		le.PutUint32(out[20+4*i:], off)
	}
	copy(out[HeaderSize:], p.body)
	le.PutUint32(out[8:], checksum(out[12:HeaderSize], out[HeaderSize:]))
	return out
}

// Decode validates and loads a serialized program, copying the body into
// an owned aligned buffer. Version or checksum mismatches are rejected.
func Decode(data []byte) (*Program, error) {
	p, body, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	buf := alignedBuf(len(body))
	copy(buf, body)
	p.body = buf
	p.flags |= FlagOwned
	if err := p.compileRegexes(); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeBorrowed is Decode without the copy: the program aliases data,
// which must stay alive and 64-byte aligned at its body offset (true for
// whole-file mappings). The owned flag stays clear so the caller keeps
// responsibility for the backing allocation.
func DecodeBorrowed(data []byte) (*Program, error) {
	p, body, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	p.body = body
	if err := p.compileRegexes(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeHeader(data []byte) (*Program, []byte, error) {
	if len(data) < HeaderSize {
		return nil, nil, ErrTruncated
	}
	if string(data[0:4]) != Magic {
		return nil, nil, ErrBadMagic
	}
	le := binary.LittleEndian
	version := le.Uint16(data[4:])
	if version != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
	if le.Uint32(data[12:]) != abiHash() {
		return nil, nil, ErrBadABI
	}
	size := le.Uint32(data[16:])
	if len(data) < HeaderSize+int(size) {
		return nil, nil, ErrTruncated
	}
	body := data[HeaderSize : HeaderSize+int(size)]
	if le.Uint32(data[8:]) != checksum(data[12:HeaderSize], body) {
		return nil, nil, ErrBadChecksum
	}
	p := &Program{
		version: version,
		flags:   le.Uint16(data[6:]),
	}
	for i := range p.offs {
		p.offs[i] = le.Uint32(data[20+4*i:])
	}
	for i := 0; i < SectionCount; i++ {
		end := size
		if i+1 < SectionCount {
			end = p.offs[i+1]
		}
		if p.offs[i] > end || end > size {
			return nil, nil, ErrTruncated
		}
		p.sizes[i] = sectionSize(p.offs, size, i)
	}
	// The cache-line alignment of the transition section can leave whole
	// zero records after the last entrypoint. No entrypoint is named by
	// StringId(0), so trailing records with a zero name are padding.
	for p.sizes[SecEntrypoints] >= entryRecSize {
		last := p.offs[SecEntrypoints] + p.sizes[SecEntrypoints] - entryRecSize
		if le.Uint32(body[last:]) != 0 {
			break
		}
		p.sizes[SecEntrypoints] -= entryRecSize
	}
	return p, body, nil
}

// sectionSize derives a section's length from the next section's aligned
// start. Alignment padding between sections belongs to nobody, so sizes
// round down to whole records; padding that spans whole entrypoint
// records is trimmed afterwards by decodeHeader.
func sectionSize(offs [SectionCount]uint32, total uint32, i int) uint32 {
	end := total
	if i+1 < SectionCount {
		end = offs[i+1]
	}
	n := end - offs[i]
	switch i {
	case SecStringTable:
		return n - n%stringRecSize
	case SecRegex:
		return n - n%regexRecSize
	case SecNodeTypes:
		return n - n%nodeTypeRecSize
	case SecFields:
		return n - n%fieldRecSize
	case SecTrivia:
		return n - n%triviaRecSize
	case SecTypes:
		return n - n%typeRecSize
	case SecMembers:
		return n - n%memberRecSize
	case SecTypeNames:
		return n - n%typeNameRecSize
	case SecEntrypoints:
		return n - n%entryRecSize
	case SecTransitions:
		return n - n%StepSize
	default:
		return n
	}
}
