// Package uri provides support for parsing, manipulating, and rendering
// SIP and SIPS Uniform Resource Identifiers according to RFC 3261.
//
// # Overview
//
// [SIP] represents both sip: and sips: URIs, the addressing mechanism used
// throughout SIP signaling: request-URIs, To/From/Contact address-of-record
// URIs, and Route/Record-Route entries. It supports user credentials,
// host:port addressing, URI parameters, and headers as defined in RFC 3261
// section 19.1.
//
// # Parsing
//
//	u, err := uri.Parse("sip:alice@example.com:5060;transport=tcp")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// [ParseSIP] parses directly when the scheme is already known to be sip or
// sips.
//
// # Equality
//
// SIP URI equality follows RFC 3261 section 19.1.4: special parameters
// (transport, user, method, maddr, ttl, lr) must match if present in either
// URI, non-special parameters are only compared when present in both.
//
// # Thread Safety
//
// URI values are not safe for concurrent modification. Use [SIP.Clone] to
// share a URI across goroutines that may mutate it.
package uri
