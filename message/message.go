// Package message implements the SIP message model: request and response
// start-lines, the ordered header store, and the codec that frames messages
// on datagram and stream transports per RFC 3261 §7.
package message

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/coredial/sipua/header"
	"github.com/coredial/sipua/internal/errorutil"
	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/internal/util"
	"github.com/coredial/sipua/uri"
)

// DefaultSIPVersion is the protocol version stamped on outbound messages.
const DefaultSIPVersion = "SIP/2.0"

// Message is the common surface shared by Request and Response: the header
// store, body, and rendering.
type Message interface {
	types.Renderer

	// Headers returns the message's header store.
	Headers() *Headers
	// Body returns the message body.
	Body() []byte
	// SetBody replaces the message body.
	SetBody(body []byte)

	// Via returns the topmost Via header, if present.
	Via() (header.Via, bool)
	// From returns the From header, if present.
	From() (*header.From, bool)
	// To returns the To header, if present.
	To() (*header.To, bool)
	// CallID returns the Call-ID header, if present.
	CallID() (header.CallID, bool)
	// CSeq returns the CSeq header, if present.
	CSeq() (*header.CSeq, bool)
	// Contact returns the Contact header, if present.
	Contact() (header.Contact, bool)
	// Route returns the Route header, if present.
	Route() (header.Route, bool)
	// RecordRoute returns the Record-Route header, if present.
	RecordRoute() (header.RecordRoute, bool)
	// MaxForwards returns the Max-Forwards header, if present.
	MaxForwards() (header.MaxForwards, bool)

	// IsRequest reports whether the message is a request.
	IsRequest() bool
}

func viaOf(h *Headers) (header.Via, bool) {
	hdr, ok := h.GetHeader("Via")
	if !ok {
		return nil, false
	}
	v, ok := hdr.(header.Via)
	return v, ok
}

func fromOf(h *Headers) (*header.From, bool) {
	hdr, ok := h.GetHeader("From")
	if !ok {
		return nil, false
	}
	v, ok := hdr.(*header.From)
	return v, ok
}

func toOf(h *Headers) (*header.To, bool) {
	hdr, ok := h.GetHeader("To")
	if !ok {
		return nil, false
	}
	v, ok := hdr.(*header.To)
	return v, ok
}

func callIDOf(h *Headers) (header.CallID, bool) {
	hdr, ok := h.GetHeader("Call-ID")
	if !ok {
		return "", false
	}
	v, ok := hdr.(header.CallID)
	return v, ok
}

func cseqOf(h *Headers) (*header.CSeq, bool) {
	hdr, ok := h.GetHeader("CSeq")
	if !ok {
		return nil, false
	}
	v, ok := hdr.(*header.CSeq)
	return v, ok
}

func contactOf(h *Headers) (header.Contact, bool) {
	hdr, ok := h.GetHeader("Contact")
	if !ok {
		return nil, false
	}
	v, ok := hdr.(header.Contact)
	return v, ok
}

func routeOf(h *Headers) (header.Route, bool) {
	hdr, ok := h.GetHeader("Route")
	if !ok {
		return nil, false
	}
	v, ok := hdr.(header.Route)
	return v, ok
}

func recordRouteOf(h *Headers) (header.RecordRoute, bool) {
	hdr, ok := h.GetHeader("Record-Route")
	if !ok {
		return nil, false
	}
	v, ok := hdr.(header.RecordRoute)
	return v, ok
}

func maxForwardsOf(h *Headers) (header.MaxForwards, bool) {
	hdr, ok := h.GetHeader("Max-Forwards")
	if !ok {
		return 0, false
	}
	v, ok := hdr.(header.MaxForwards)
	return v, ok
}

// Request is a SIP request message (RFC 3261 §7.1).
type Request struct {
	Method     types.RequestMethod
	RequestURI uri.URI
	SIPVersion string
	Hdrs       *Headers
	Payload    []byte
}

// NewRequest constructs an empty request with the given method and
// request-URI.
func NewRequest(method types.RequestMethod, requestURI uri.URI) *Request {
	return &Request{
		Method:     method,
		RequestURI: requestURI,
		SIPVersion: DefaultSIPVersion,
		Hdrs:       NewHeaders(),
	}
}

func (r *Request) Headers() *Headers  { return r.Hdrs }
func (r *Request) Body() []byte       { return r.Payload }
func (r *Request) SetBody(b []byte)   { r.Payload = b }
func (r *Request) IsRequest() bool    { return true }
func (r *Request) Via() (header.Via, bool)         { return viaOf(r.Hdrs) }
func (r *Request) From() (*header.From, bool)      { return fromOf(r.Hdrs) }
func (r *Request) To() (*header.To, bool)          { return toOf(r.Hdrs) }
func (r *Request) CallID() (header.CallID, bool)   { return callIDOf(r.Hdrs) }
func (r *Request) CSeq() (*header.CSeq, bool)      { return cseqOf(r.Hdrs) }
func (r *Request) Contact() (header.Contact, bool)         { return contactOf(r.Hdrs) }
func (r *Request) Route() (header.Route, bool)             { return routeOf(r.Hdrs) }
func (r *Request) RecordRoute() (header.RecordRoute, bool) { return recordRouteOf(r.Hdrs) }
func (r *Request) MaxForwards() (header.MaxForwards, bool) { return maxForwardsOf(r.Hdrs) }

// StartLine returns the request-line: "METHOD Request-URI SIP-Version".
func (r *Request) StartLine() string {
	version := r.SIPVersion
	if version == "" {
		version = DefaultSIPVersion
	}

	var ruri string
	if r.RequestURI != nil {
		ruri = r.RequestURI.Render(nil)
	}
	return fmt.Sprint(r.Method, " ", ruri, " ", version)
}

// RenderTo writes the full request, with Content-Length auto-patched to
// match the current body length, to w.
func (r *Request) RenderTo(w io.Writer, opts *header.RenderOptions) (num int, err error) {
	patchContentLength(r.Hdrs, len(r.Payload))

	n, err := io.WriteString(w, r.StartLine())
	num += n
	if err != nil {
		return num, errtrace.Wrap(err)
	}
	n, err = io.WriteString(w, "\r\n")
	num += n
	if err != nil {
		return num, errtrace.Wrap(err)
	}

	n, err = r.Hdrs.RenderTo(w, opts)
	num += n
	if err != nil {
		return num, errtrace.Wrap(err)
	}

	n, err = io.WriteString(w, "\r\n")
	num += n
	if err != nil {
		return num, errtrace.Wrap(err)
	}

	if len(r.Payload) > 0 {
		nb, err := w.Write(r.Payload)
		num += nb
		if err != nil {
			return num, errtrace.Wrap(err)
		}
	}
	return num, nil
}

// Render returns the full wire representation of the request.
func (r *Request) Render(opts *header.RenderOptions) string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	r.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the default wire representation of the request.
func (r *Request) String() string { return r.Render(nil) }

// Clone returns a deep copy of the request, independent of further mutation
// to the original's header store or body.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	clone.RequestURI = types.Clone[uri.URI](r.RequestURI)
	clone.Hdrs = r.Hdrs.Clone()
	clone.Payload = append([]byte(nil), r.Payload...)
	return &clone
}

// Response is a SIP response message (RFC 3261 §7.2).
type Response struct {
	SIPVersion string
	Status     types.ResponseStatus
	Reason     string
	Hdrs       *Headers
	Payload    []byte
}

// NewResponse constructs an empty response with the given status, using the
// status's default reason phrase.
func NewResponse(status types.ResponseStatus) *Response {
	return &Response{
		SIPVersion: DefaultSIPVersion,
		Status:     status,
		Reason:     string(status.Reason()),
		Hdrs:       NewHeaders(),
	}
}

func (r *Response) Headers() *Headers  { return r.Hdrs }
func (r *Response) Body() []byte       { return r.Payload }
func (r *Response) SetBody(b []byte)   { r.Payload = b }
func (r *Response) IsRequest() bool    { return false }
func (r *Response) Via() (header.Via, bool)       { return viaOf(r.Hdrs) }
func (r *Response) From() (*header.From, bool)    { return fromOf(r.Hdrs) }
func (r *Response) To() (*header.To, bool)        { return toOf(r.Hdrs) }
func (r *Response) CallID() (header.CallID, bool) { return callIDOf(r.Hdrs) }
func (r *Response) CSeq() (*header.CSeq, bool)    { return cseqOf(r.Hdrs) }
func (r *Response) Contact() (header.Contact, bool)         { return contactOf(r.Hdrs) }
func (r *Response) Route() (header.Route, bool)             { return routeOf(r.Hdrs) }
func (r *Response) RecordRoute() (header.RecordRoute, bool) { return recordRouteOf(r.Hdrs) }
func (r *Response) MaxForwards() (header.MaxForwards, bool) { return maxForwardsOf(r.Hdrs) }

// StartLine returns the status-line: "SIP-Version Status-Code Reason-Phrase".
func (r *Response) StartLine() string {
	version := r.SIPVersion
	if version == "" {
		version = DefaultSIPVersion
	}

	reason := r.Reason
	if reason == "" {
		reason = string(r.Status.Reason())
	}
	return fmt.Sprint(version, " ", uint(r.Status), " ", reason)
}

// RenderTo writes the full response, with Content-Length auto-patched to
// match the current body length, to w.
func (r *Response) RenderTo(w io.Writer, opts *header.RenderOptions) (num int, err error) {
	patchContentLength(r.Hdrs, len(r.Payload))

	n, err := io.WriteString(w, r.StartLine())
	num += n
	if err != nil {
		return num, errtrace.Wrap(err)
	}
	n, err = io.WriteString(w, "\r\n")
	num += n
	if err != nil {
		return num, errtrace.Wrap(err)
	}

	n, err = r.Hdrs.RenderTo(w, opts)
	num += n
	if err != nil {
		return num, errtrace.Wrap(err)
	}

	n, err = io.WriteString(w, "\r\n")
	num += n
	if err != nil {
		return num, errtrace.Wrap(err)
	}

	if len(r.Payload) > 0 {
		nb, err := w.Write(r.Payload)
		num += nb
		if err != nil {
			return num, errtrace.Wrap(err)
		}
	}
	return num, nil
}

// Render returns the full wire representation of the response.
func (r *Response) Render(opts *header.RenderOptions) string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	r.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the default wire representation of the response.
func (r *Response) String() string { return r.Render(nil) }

// Clone returns a deep copy of the response, independent of further
// mutation to the original's header store or body.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Hdrs = r.Hdrs.Clone()
	clone.Payload = append([]byte(nil), r.Payload...)
	return &clone
}

func patchContentLength(h *Headers, bodyLen int) {
	cl := header.ContentLength(bodyLen)
	if _, ok := h.GetHeader("Content-Length"); ok {
		h.ReplaceHeaders("Content-Length", cl)
	} else {
		h.AppendHeader(cl)
	}
}

var (
	errEmptyMessage    errorutil.Error = "empty message"
	errMalformedStart  errorutil.Error = "malformed start-line"
	errMalformedHeader errorutil.Error = "malformed header line"
	errMissingCRLFCRLF errorutil.Error = "missing header/body boundary"
)

// Parse parses a complete SIP message (start-line, headers, and body) from a
// single buffer, as delivered whole by a datagram transport.
func Parse[T ~string | ~[]byte](data T) (Message, error) {
	raw := normalizeLineEndings(string(data))
	if raw == "" {
		return nil, errtrace.Wrap(errEmptyMessage)
	}

	headEnd := strings.Index(raw, "\r\n\r\n")
	var head, body string
	if headEnd < 0 {
		head, body = raw, ""
	} else {
		head, body = raw[:headEnd], raw[headEnd+4:]
	}

	lines := splitFolded(head)
	if len(lines) == 0 {
		return nil, errtrace.Wrap(errMalformedStart)
	}

	msg, err := newFromStartLine(lines[0])
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	hdrs := msg.Headers()
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errtrace.Wrap(errMalformedHeader)
		}
		hdr, err := header.ParseValue(strings.TrimSpace(name), strings.TrimSpace(value))
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		hdrs.AppendHeader(hdr)
	}

	if body != "" {
		bodyLen := len(body)
		if hdr, ok := hdrs.GetHeader("Content-Length"); ok {
			if cl, ok := hdr.(header.ContentLength); ok && int(cl) <= len(body) {
				bodyLen = int(cl)
			}
		}
		msg.SetBody([]byte(body[:bodyLen]))
	}
	return msg, nil
}

func newFromStartLine(line string) (Message, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return nil, errtrace.Wrap(errMalformedStart)
	}

	if strings.HasPrefix(fields[0], "SIP/") {
		code, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, errtrace.Wrap(errMalformedStart)
		}
		return &Response{
			SIPVersion: fields[0],
			Status:     types.ResponseStatus(code),
			Reason:     fields[2],
			Hdrs:       NewHeaders(),
		}, nil
	}

	u, err := uri.Parse(fields[1])
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &Request{
		Method:     types.RequestMethod(fields[0]),
		RequestURI: u,
		SIPVersion: fields[2],
		Hdrs:       NewHeaders(),
	}, nil
}

// splitFolded splits a header block into logical lines, joining any
// obs-fold continuation lines (lines starting with SP or HTAB) onto the
// previous line, per RFC 3261 §7.3.1.
func splitFolded(head string) []string {
	raw := strings.Split(head, "\r\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if len(lines) > 0 && line != "" && (line[0] == ' ' || line[0] == '\t') {
			lines[len(lines)-1] += " " + strings.TrimSpace(line)
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	return s
}

// Codec frames SIP messages on datagram and stream transports.
type Codec struct{}

// ReadDatagram parses a single, complete message delivered as one UDP
// datagram. The datagram must contain the whole message; any trailing bytes
// past Content-Length are ignored.
func (Codec) ReadDatagram(data []byte) (Message, error) {
	msg, err := Parse(data)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return msg, nil
}

// ReadStream reads one framed message from r, buffering the header block
// until the blank line and then exactly Content-Length bytes of body, per
// RFC 3261 §7.5's stream-framing rule. It returns io.EOF if the stream ends
// before a start-line is read.
func (Codec) ReadStream(r *bufio.Reader) (Message, error) {
	var head strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if head.Len() == 0 {
				return nil, errtrace.Wrap(err)
			}
			return nil, errtrace.Wrap(errMissingCRLFCRLF)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		head.WriteString(trimmed)
		head.WriteString("\r\n")
		if trimmed == "" && head.Len() > 2 {
			break
		}
	}

	lines := splitFolded(strings.TrimSuffix(head.String(), "\r\n\r\n"))
	if len(lines) == 0 || lines[0] == "" {
		return nil, errtrace.Wrap(errMalformedStart)
	}

	msg, err := newFromStartLine(lines[0])
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	hdrs := msg.Headers()
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errtrace.Wrap(errMalformedHeader)
		}
		hdr, err := header.ParseValue(strings.TrimSpace(name), strings.TrimSpace(value))
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		hdrs.AppendHeader(hdr)
	}

	bodyLen := 0
	if hdr, ok := hdrs.GetHeader("Content-Length"); ok {
		if cl, ok := hdr.(header.ContentLength); ok {
			bodyLen = int(cl)
		}
	}

	if bodyLen > 0 {
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, errtrace.Wrap(err)
		}
		msg.SetBody(body)
	}

	return msg, nil
}
