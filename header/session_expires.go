package header

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/coredial/sipua/internal/errorutil"
	"github.com/coredial/sipua/internal/grammar"
	"github.com/coredial/sipua/internal/util"
)

// SessionExpires represents the Session-Expires header field (RFC 4028).
// It negotiates the interval after which a session must be refreshed or
// considered terminated, and optionally which party owns the refresh.
type SessionExpires struct {
	Seconds   uint
	Refresher string
}

// CanonicName returns the canonical name of the header.
func (*SessionExpires) CanonicName() Name { return "Session-Expires" }

// CompactName returns the compact name of the header.
func (*SessionExpires) CompactName() Name { return "x" }

// RenderTo writes the header to the provided writer.
func (hdr *SessionExpires) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, hdr.name(opts), ": ", hdr.RenderValue()))
}

func (hdr *SessionExpires) name(opts *RenderOptions) Name {
	if opts != nil && opts.Compact {
		return hdr.CompactName()
	}
	return hdr.CanonicName()
}

// Render returns the string representation of the header.
func (hdr *SessionExpires) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// RenderValue returns the header value without the name prefix.
func (hdr *SessionExpires) RenderValue() string {
	if hdr == nil {
		return ""
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	fmt.Fprint(sb, hdr.Seconds)
	if hdr.Refresher != "" {
		fmt.Fprint(sb, ";refresher=", hdr.Refresher)
	}
	return sb.String()
}

// String returns the string representation of the header value.
func (hdr *SessionExpires) String() string { return hdr.RenderValue() }

// Format implements fmt.Formatter for custom formatting of the header.
func (hdr *SessionExpires) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		if f.Flag('+') {
			hdr.RenderTo(f, nil) //nolint:errcheck
			return
		}
		fmt.Fprint(f, hdr.String())
		return
	case 'q':
		if f.Flag('+') {
			fmt.Fprint(f, strconv.Quote(hdr.Render(nil)))
			return
		}
		fmt.Fprint(f, strconv.Quote(hdr.String()))
		return
	default:
		type hideMethods SessionExpires
		type SessionExpires hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*SessionExpires)(hdr))
		return
	}
}

// Clone returns a copy of the header.
func (hdr *SessionExpires) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := *hdr
	return &hdr2
}

// Equal compares this header with another for equality.
func (hdr *SessionExpires) Equal(val any) bool {
	var other *SessionExpires
	switch v := val.(type) {
	case SessionExpires:
		other = &v
	case *SessionExpires:
		other = v
	default:
		return false
	}

	if hdr == other {
		return true
	} else if hdr == nil || other == nil {
		return false
	}

	return hdr.Seconds == other.Seconds && util.EqFold(hdr.Refresher, other.Refresher)
}

// IsValid checks whether the header is syntactically valid.
func (hdr *SessionExpires) IsValid() bool {
	return hdr != nil && hdr.Seconds > 0 &&
		(hdr.Refresher == "" || util.EqFold(hdr.Refresher, "uac") || util.EqFold(hdr.Refresher, "uas"))
}

func (hdr *SessionExpires) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(ToJSON(hdr))
}

var zeroSessionExpires SessionExpires

func (hdr *SessionExpires) UnmarshalJSON(data []byte) error {
	gh, err := FromJSON(data)
	if err != nil {
		*hdr = zeroSessionExpires
		if errors.Is(err, errNotHeaderJSON) {
			return nil
		}
		return errtrace.Wrap(err)
	}

	h, ok := gh.(*SessionExpires)
	if !ok {
		*hdr = zeroSessionExpires
		return errtrace.Wrap(errorutil.Errorf("unexpected header: got %T, want %T", gh, hdr))
	}

	*hdr = *h
	return nil
}

func parseSessionExpires(value string) (*SessionExpires, error) {
	parts := grammar.SplitTop(value, ';')
	if len(parts) == 0 {
		return nil, errtrace.Wrap(grammar.ErrMalformedInput)
	}

	secs, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return nil, errtrace.Wrap(grammar.ErrMalformedInput)
	}

	hdr := &SessionExpires{Seconds: uint(secs)}
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		k, v, _ := grammar.SplitParam(p)
		if util.EqFold(k, "refresher") {
			hdr.Refresher = v
		}
	}
	return hdr, nil
}
