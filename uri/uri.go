package uri

//go:generate go tool errtrace -w .

import (
	"braces.dev/errtrace"

	"github.com/coredial/sipua/internal/errorutil"
	"github.com/coredial/sipua/internal/types"
)

// Addr represents a network address consisting of a host and optional port.
type Addr = types.Addr

// Host creates an Addr from a hostname without a port.
func Host(host string) Addr { return types.Host(host) }

// HostPort creates an Addr from a hostname and port.
func HostPort(host string, port uint16) Addr { return types.HostPort(host, port) }

// ParseAddr parses a network address from the given input s (string or []byte).
func ParseAddr[T ~string | ~[]byte](s T) (Addr, error) { return errtrace.Wrap2(types.ParseAddr(s)) }

// Values represents URI parameters or headers as a multi-value map.
type Values = types.Values

// RenderOptions contains options for rendering URIs and headers.
type RenderOptions = types.RenderOptions

type TransportProto = types.TransportProto

type RequestMethod = types.RequestMethod

// URI represents a generic URI usable anywhere a SIP message carries one
// (request-URI, address-of-record, Route/Record-Route entry). SIP restricts
// itself to the sip/sips scheme, so [SIP] is the sole implementation.
type URI interface {
	types.Renderer
	types.Cloneable[URI]
	types.ValidFlag
	types.Equalable
}

// Parse parses a sip: or sips: URI from a given input s (string or []byte).
//
// See [ParseSIP].
func Parse[T ~string | ~[]byte](s T) (URI, error) {
	return errtrace.Wrap2(ParseSIP(s))
}

// GetScheme returns "sip" or "sips" for u. If u is nil, an empty string is
// returned. If u is of unknown type, a panic is raised.
func GetScheme(u URI) string {
	if u == nil {
		return ""
	}

	switch u := u.(type) {
	case *SIP:
		return u.scheme()
	default:
		panic(newUnexpectURITypeErr(u))
	}
}

// GetAddr returns the value of [SIP.Addr] for u.
// If u is nil, an empty string is returned. If u is of unknown type, a panic is raised.
func GetAddr(u URI) string {
	if u == nil {
		return ""
	}

	switch u := u.(type) {
	case *SIP:
		return u.Addr.String()
	default:
		panic(newUnexpectURITypeErr(u))
	}
}

// GetParams returns the value of [SIP.Params] for u.
// If u is nil, nil is returned. If u is of unknown type, a panic is raised.
func GetParams(u URI) Values {
	if u == nil {
		return nil
	}

	switch u := u.(type) {
	case *SIP:
		return u.Params
	default:
		panic(newUnexpectURITypeErr(u))
	}
}

func newUnexpectURITypeErr(u URI) error {
	return errorutil.Errorf("unexpected URI type %T", u) //errtrace:skip
}
