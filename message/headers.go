package message

import (
	"io"
	"sort"

	"braces.dev/errtrace"

	"github.com/coredial/sipua/header"
)

// headerOrder ranks the header fields that RFC 3261 messages conventionally
// front-load, so a request or response reads Via, Max-Forwards, From, To,
// Call-ID, CSeq, Contact, Route/Record-Route, Allow, Supported, Content-Type
// regardless of the order callers happened to append them in. Headers not
// listed here keep their relative insertion order, sorted after this group
// and before Content-Length, which always renders last.
var headerOrder = map[header.Name]int{
	"Via":          0,
	"Max-Forwards": 1,
	"From":         2,
	"To":           3,
	"Call-ID":      4,
	"CSeq":         5,
	"Contact":      6,
	"Route":        7,
	"Record-Route": 7,
	"Allow":        8,
	"Supported":    9,
	"Content-Type": 10,
}

const (
	unorderedRank     = 11
	contentLengthRank = 12
)

func headerRank(hdr header.Header) int {
	name := hdr.CanonicName()
	if name == "Content-Length" {
		return contentLengthRank
	}
	if rank, ok := headerOrder[name]; ok {
		return rank
	}
	return unorderedRank
}

// Headers is an ordered, multi-valued store of parsed header fields. Entries
// are kept in insertion order: each physical header line in a parsed message
// becomes one entry. RenderTo writes them in canonical order instead, so a
// re-rendered message keeps the original sequence only where it already
// followed that order.
type Headers struct {
	list []header.Header
}

// NewHeaders returns an empty header store.
func NewHeaders() *Headers {
	return &Headers{}
}

// Names returns the canonical names of the headers currently stored, in the
// order each name was first seen.
func (h *Headers) Names() []header.Name {
	if h == nil {
		return nil
	}

	seen := make(map[header.Name]bool, len(h.list))
	names := make([]header.Name, 0, len(h.list))
	for _, hdr := range h.list {
		name := hdr.CanonicName()
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// GetHeaders returns every stored header whose canonical name matches name,
// in insertion order.
func (h *Headers) GetHeaders(name string) []header.Header {
	if h == nil {
		return nil
	}

	canonic := header.CanonicName(name)
	var out []header.Header
	for _, hdr := range h.list {
		if hdr.CanonicName() == canonic {
			out = append(out, hdr)
		}
	}
	return out
}

// GetHeader returns the first stored header whose canonical name matches
// name.
func (h *Headers) GetHeader(name string) (header.Header, bool) {
	if h == nil {
		return nil, false
	}

	canonic := header.CanonicName(name)
	for _, hdr := range h.list {
		if hdr.CanonicName() == canonic {
			return hdr, true
		}
	}
	return nil, false
}

// AppendHeader appends hdr to the end of the store.
func (h *Headers) AppendHeader(hdr header.Header) {
	h.list = append(h.list, hdr)
}

// PrependHeader inserts hdr at the front of the store.
func (h *Headers) PrependHeader(hdr header.Header) {
	h.list = append([]header.Header{hdr}, h.list...)
}

// ReplaceHeaders removes every header named name and replaces them with
// hdrs, in-place at the position of the first removed occurrence, or at the
// end of the store if name was not previously present.
func (h *Headers) ReplaceHeaders(name string, hdrs ...header.Header) {
	canonic := header.CanonicName(name)

	idx := -1
	kept := h.list[:0:0] //nolint:staticcheck
	for _, hdr := range h.list {
		if hdr.CanonicName() == canonic {
			if idx < 0 {
				idx = len(kept)
			}
			continue
		}
		kept = append(kept, hdr)
	}

	if idx < 0 {
		idx = len(kept)
	}

	next := make([]header.Header, 0, len(kept)+len(hdrs))
	next = append(next, kept[:idx]...)
	next = append(next, hdrs...)
	next = append(next, kept[idx:]...)
	h.list = next
}

// RemoveHeader removes every header named name from the store. It reports
// whether any header was actually removed.
func (h *Headers) RemoveHeader(name string) bool {
	if h == nil {
		return false
	}

	canonic := header.CanonicName(name)
	kept := h.list[:0:0] //nolint:staticcheck
	removed := false
	for _, hdr := range h.list {
		if hdr.CanonicName() == canonic {
			removed = true
			continue
		}
		kept = append(kept, hdr)
	}
	h.list = kept
	return removed
}

// Len returns the number of headers in the store.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.list)
}

// Clone returns a deep copy of the header store.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return nil
	}

	clone := &Headers{list: make([]header.Header, len(h.list))}
	for i, hdr := range h.list {
		clone.list[i] = hdr.Clone()
	}
	return clone
}

// RenderTo writes every stored header to w in the canonical order Via,
// Max-Forwards, From, To, Call-ID, CSeq, Contact, Route/Record-Route,
// Allow, Supported, Content-Type, then any remaining headers in insertion
// order, with Content-Length always last.
func (h *Headers) RenderTo(w io.Writer, opts *header.RenderOptions) (num int, err error) {
	if h == nil {
		return 0, nil
	}

	ordered := make([]header.Header, len(h.list))
	copy(ordered, h.list)
	sort.SliceStable(ordered, func(i, j int) bool {
		return headerRank(ordered[i]) < headerRank(ordered[j])
	})

	for _, hdr := range ordered {
		n, err := hdr.RenderTo(w, opts)
		num += n
		if err != nil {
			return num, errtrace.Wrap(err)
		}
		n, err = io.WriteString(w, "\r\n")
		num += n
		if err != nil {
			return num, errtrace.Wrap(err)
		}
	}
	return num, nil
}
