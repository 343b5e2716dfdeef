package icaptypes

import (
	"fmt"
	"strconv"
	"strings"
)

// SectionKind names one entry of the Encapsulated header table (spec.md §3).
type SectionKind string

const (
	SectionReqHdr    SectionKind = "req-hdr"
	SectionReqBody   SectionKind = "req-body"
	SectionResHdr    SectionKind = "res-hdr"
	SectionResBody   SectionKind = "res-body"
	SectionOptBody   SectionKind = "opt-body"
	SectionNullBody  SectionKind = "null-body"
)

func isBodyMarker(k SectionKind) bool {
	switch k {
	case SectionReqBody, SectionResBody, SectionOptBody, SectionNullBody:
		return true
	default:
		return false
	}
}

// Section is one (kind, offset) pair of the Encapsulated table.
type Section struct {
	Kind   SectionKind
	Offset int
}

// EncapsulatedTable is the parsed, validated Encapsulated header value.
type EncapsulatedTable struct {
	Sections []Section
}

// NullBody reports whether the table's sole body marker is null-body.
func (t EncapsulatedTable) NullBody() bool {
	for _, s := range t.Sections {
		if s.Kind == SectionNullBody {
			return true
		}
	}
	return false
}

// Offset returns the offset recorded for kind and whether it is present.
func (t EncapsulatedTable) Offset(kind SectionKind) (int, bool) {
	for _, s := range t.Sections {
		if s.Kind == kind {
			return s.Offset, true
		}
	}
	return 0, false
}

// BodyMarker returns the table's single body-marker section.
func (t EncapsulatedTable) BodyMarker() (Section, bool) {
	for _, s := range t.Sections {
		if isBodyMarker(s.Kind) {
			return s, true
		}
	}
	return Section{}, false
}

// String renders the table back to wire form, e.g. "req-hdr=0, req-body=231".
func (t EncapsulatedTable) String() string {
	parts := make([]string, 0, len(t.Sections))
	for _, s := range t.Sections {
		parts = append(parts, fmt.Sprintf("%s=%d", s.Kind, s.Offset))
	}
	return strings.Join(parts, ", ")
}

// HasBodySection reports whether the table's body marker is an actual body
// section (req-body/res-body/opt-body) rather than null-body.
func (t EncapsulatedTable) HasBodySection() bool {
	s, ok := t.BodyMarker()
	return ok && s.Kind != SectionNullBody
}

// NullBodyTable is the canonical "null-body=0" table used for every
// bodiless response (spec.md invariant 1xx/204/4xx/5xx without a body).
func NullBodyTable() EncapsulatedTable {
	return EncapsulatedTable{Sections: []Section{{Kind: SectionNullBody, Offset: 0}}}
}

// ParseEncapsulated parses the raw Encapsulated header value and validates
// the structural rules of spec.md §3: offsets strictly non-decreasing,
// exactly one body marker, body marker last, header sections precede it.
//
// The grammar is lifted from the offset arithmetic in the historical ICAP
// library's ReadRequest (each section's length is the delta to the next
// section's offset); validation of section ordering is spec-driven.
func ParseEncapsulated(value string) (EncapsulatedTable, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return EncapsulatedTable{}, fmt.Errorf("empty Encapsulated header")
	}

	items := strings.Split(value, ",")
	table := EncapsulatedTable{Sections: make([]Section, 0, len(items))}

	lastOffset := -1
	bodySeen := false
	for _, raw := range items {
		item := strings.TrimSpace(raw)
		eq := strings.IndexByte(item, '=')
		if eq < 0 {
			return EncapsulatedTable{}, fmt.Errorf("malformed Encapsulated entry %q", item)
		}
		kind := SectionKind(strings.TrimSpace(item[:eq]))
		switch kind {
		case SectionReqHdr, SectionReqBody, SectionResHdr, SectionResBody, SectionOptBody, SectionNullBody:
		default:
			return EncapsulatedTable{}, fmt.Errorf("unknown Encapsulated section %q", kind)
		}

		offset, err := strconv.Atoi(strings.TrimSpace(item[eq+1:]))
		if err != nil {
			return EncapsulatedTable{}, fmt.Errorf("invalid offset in Encapsulated entry %q: %w", item, err)
		}
		if offset < lastOffset {
			return EncapsulatedTable{}, fmt.Errorf("Encapsulated offsets must be non-decreasing: %q", value)
		}
		lastOffset = offset

		if bodySeen {
			return EncapsulatedTable{}, fmt.Errorf("%s must be the last Encapsulated section", kind)
		}
		if isBodyMarker(kind) {
			bodySeen = true
		}
		table.Sections = append(table.Sections, Section{Kind: kind, Offset: offset})
	}

	if !bodySeen {
		return EncapsulatedTable{}, fmt.Errorf("Encapsulated header must include exactly one body marker: %q", value)
	}

	return table, nil
}

// ValidateForMethod checks the table against the permitted shapes for
// method, per the table in spec.md §3.
func ValidateForMethod(method Method, table EncapsulatedTable) error {
	has := func(k SectionKind) bool {
		_, ok := table.Offset(k)
		return ok
	}

	switch method {
	case MethodOptions:
		if has(SectionNullBody) || has(SectionOptBody) {
			return nil
		}
		return fmt.Errorf("OPTIONS requires null-body or opt-body, got %q", table.String())

	case MethodReqmod:
		if !has(SectionReqHdr) {
			return fmt.Errorf("REQMOD requires req-hdr, got %q", table.String())
		}
		if has(SectionReqBody) || has(SectionNullBody) {
			return nil
		}
		return fmt.Errorf("REQMOD requires req-body or null-body, got %q", table.String())

	case MethodRespmod:
		if !has(SectionReqHdr) || !has(SectionResHdr) {
			return fmt.Errorf("RESPMOD requires req-hdr and res-hdr, got %q", table.String())
		}
		if has(SectionResBody) || has(SectionNullBody) {
			return nil
		}
		return fmt.Errorf("RESPMOD requires res-body or null-body, got %q", table.String())

	default:
		return fmt.Errorf("unsupported method %q", method)
	}
}
