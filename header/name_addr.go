package header

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"

	"github.com/coredial/sipua/internal/grammar"
	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/internal/util"
	"github.com/coredial/sipua/uri"
)

// NameAddr represents a single element in From, To, Contact, Reply-To headers.
// It contains a display name, URI, and parameters.
type NameAddr struct {
	DisplayName string
	URI         uri.URI
	Params      Values
}

// String returns the string representation of the NameAddr.
func (addr NameAddr) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	if addr.DisplayName != "" {
		fmt.Fprint(sb, grammar.Quote(addr.DisplayName), " ")
	}

	fmt.Fprint(sb, "<")
	if addr.URI != nil {
		addr.URI.RenderTo(sb, nil) //nolint:errcheck
	}
	fmt.Fprint(sb, ">")

	renderHdrParams(sb, addr.Params, false) //nolint:errcheck

	return sb.String()
}

// Format implements fmt.Formatter for custom formatting of the NameAddr.
func (addr NameAddr) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		fmt.Fprint(f, addr.String())
		return
	case 'q':
		fmt.Fprint(f, strconv.Quote(addr.String()))
		return
	default:
		if !f.Flag('+') && !f.Flag('#') {
			fmt.Fprint(f, addr.String())
			return
		}

		type hideMethods NameAddr
		type NameAddr hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), NameAddr(addr))
		return
	}
}

// Equal compares this NameAddr with another for equality.
func (addr NameAddr) Equal(val any) bool {
	var other NameAddr
	switch v := val.(type) {
	case NameAddr:
		other = v
	case *NameAddr:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	return types.IsEqual(addr.URI, other.URI) &&
		compareHdrParams(addr.Params, other.Params, map[string]bool{
			"q":       true,
			"tag":     true,
			"expires": true,
		})
}

// IsValid checks whether the NameAddr is syntactically valid.
func (addr NameAddr) IsValid() bool {
	return types.IsValid(addr.URI) && validateHdrParams(addr.Params)
}

// IsZero checks whether the NameAddr is empty.
func (addr NameAddr) IsZero() bool {
	return addr.DisplayName == "" && addr.URI == nil && len(addr.Params) == 0
}

// Clone returns a copy of the NameAddr.
func (addr NameAddr) Clone() NameAddr {
	addr.URI = types.Clone[uri.URI](addr.URI)
	addr.Params = addr.Params.Clone()
	return addr
}

func (addr NameAddr) MarshalText() ([]byte, error) {
	return []byte(addr.String()), nil
}

func (addr *NameAddr) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*addr = NameAddr{}
		return nil
	}

	na, err := parseNameAddr(string(data))
	if err != nil {
		*addr = NameAddr{}
		return errtrace.Wrap(err)
	}

	*addr = na
	return nil
}

func (addr NameAddr) Tag() (string, bool) {
	return addr.Params.Last("tag")
}

func (addr NameAddr) Expires() (time.Duration, bool) {
	v, ok := addr.Params.Last("expires")
	if !ok {
		return 0, false
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(sec) * time.Second, true
}

// parseNameAddr parses the "[display-name] addr-spec / name-addr" production
// shared by From, To, Contact and Reply-To.
//
// A bare addr-spec (no angle brackets) is a compatibility form from RFC 2543
// (see RFC 8217): since the URI's own parameters and the header's params are
// then syntactically indistinguishable, everything from the first ';' is
// treated as header parameters rather than URI parameters.
func parseNameAddr(s string) (NameAddr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NameAddr{}, errtrace.Wrap(grammar.ErrEmptyInput)
	}

	if idx := strings.IndexByte(s, '<'); idx >= 0 {
		display := strings.TrimSpace(s[:idx])
		rest := s[idx+1:]
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return NameAddr{}, errtrace.Wrap(grammar.ErrMalformedInput)
		}

		u, err := uri.ParseSIP(rest[:end])
		if err != nil {
			return NameAddr{}, errtrace.Wrap(err)
		}

		addr := NameAddr{URI: u, Params: parseGenericParams(rest[end+1:])}
		if display != "" {
			addr.DisplayName = grammar.Unquote(display)
		}
		return addr, nil
	}

	uriStr, paramsPart, _ := strings.Cut(s, ";")
	u, err := uri.ParseSIP(strings.TrimSpace(uriStr))
	if err != nil {
		return NameAddr{}, errtrace.Wrap(err)
	}
	return NameAddr{URI: u, Params: parseGenericParams(paramsPart)}, nil
}

func parseGenericParams(s string) Values {
	s = strings.TrimPrefix(s, ";")
	if s == "" {
		return nil
	}

	parts := grammar.SplitTop(s, ';')
	params := make(Values, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		k, v, _ := grammar.SplitParam(p)
		params.Append(k, grammar.Unquote(v))
	}
	return params
}
