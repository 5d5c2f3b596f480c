// Package sdp implements the session description model, RFC 4566
// parsing/building, and RFC 3264 answerer-side offer/answer negotiation
// used by the uas and uac facades to agree on a media session.
package sdp

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/coredial/sipua/internal/errorutil"
)

// ContentType is the MIME type stamped on message bodies carrying an SDP
// session description.
const ContentType = "application/sdp"

// Direction values for the offer/answer streaming mode, per RFC 3264 §6.
const (
	SendRecv = "sendrecv"
	SendOnly = "sendonly"
	RecvOnly = "recvonly"
	Inactive = "inactive"
)

// TelephoneEvent is the encoding name RFC 4733 DTMF relay is advertised
// under.
const TelephoneEvent = "telephone-event"

var (
	// ErrNoAudio is returned by Negotiate when the offer has no audio
	// media description.
	ErrNoAudio errorutil.Error = "sdp: offer has no audio media"
	// ErrNoCommonCodec is returned by Negotiate when the offered and
	// supported payload type lists have no member in common.
	ErrNoCommonCodec errorutil.Error = "sdp: no codec common to offer and supported list"
	// ErrMalformedSDP is returned by Parse on structurally invalid input.
	ErrMalformedSDP errorutil.Error = "sdp: malformed sdp"
)

// staticPayloadTypes maps the RFC 3551 statically assigned payload types
// to their default encoding, clock rate, and channel count.
var staticPayloadTypes = map[int]Codec{
	0:  {PayloadType: 0, EncodingName: "PCMU", ClockRate: 8000, Channels: 1},
	3:  {PayloadType: 3, EncodingName: "GSM", ClockRate: 8000, Channels: 1},
	4:  {PayloadType: 4, EncodingName: "G723", ClockRate: 8000, Channels: 1},
	8:  {PayloadType: 8, EncodingName: "PCMA", ClockRate: 8000, Channels: 1},
	9:  {PayloadType: 9, EncodingName: "G722", ClockRate: 8000, Channels: 1},
	18: {PayloadType: 18, EncodingName: "G729", ClockRate: 8000, Channels: 1},
	96: {PayloadType: 96, EncodingName: TelephoneEvent, ClockRate: 8000},
}

// Origin is the SDP "o=" field.
type Origin struct {
	Username       string
	SessionID      string
	SessionVersion string
	NetType        string
	AddrType       string
	Address        string
}

// Connection is the SDP "c=" field, valid at session or media scope.
type Connection struct {
	NetType  string
	AddrType string
	Address  string
}

// Bandwidth is one SDP "b=" field.
type Bandwidth struct {
	Type  string
	Value int
}

// Timing is the SDP "t=" field.
type Timing struct {
	Start uint64
	Stop  uint64
}

// Attribute is one SDP "a=" field: a flag attribute has an empty Value.
type Attribute struct {
	Name  string
	Value string
}

// Attributes is an ordered list of attributes, preserving both the
// original declaration order and repeated names (e.g. multiple rtpmap
// lines), per RFC 4566 §5.13.
type Attributes []Attribute

// Get returns the value of the first attribute named name, and whether one
// was found.
func (attrs Attributes) Get(name string) (string, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Values returns every attribute value recorded under name, in order.
func (attrs Attributes) Values(name string) []string {
	var out []string
	for _, a := range attrs {
		if a.Name == name {
			out = append(out, a.Value)
		}
	}
	return out
}

// Has reports whether a flag or valued attribute named name is present.
func (attrs Attributes) Has(name string) bool {
	_, ok := attrs.Get(name)
	return ok
}

// Codec is a payload type resolved from a format number, its rtpmap entry
// (if any), and its fmtp parameters (if any).
type Codec struct {
	PayloadType  int
	EncodingName string
	ClockRate    int
	Channels     int
	FMTP         string
}

// MediaDescription is one SDP "m=" section and the fields scoped to it.
type MediaDescription struct {
	Media      string
	Port       int
	Proto      string
	Formats    []string
	Connection *Connection
	Bandwidth  []Bandwidth
	Attributes Attributes
	Codecs     []Codec
}

// Direction returns the media's own direction attribute, defaulting to
// SendRecv per RFC 3264 §6 when none of the four direction attributes is
// present.
func (m *MediaDescription) Direction() string {
	for _, d := range [...]string{SendRecv, SendOnly, RecvOnly, Inactive} {
		if m.Attributes.Has(d) {
			return d
		}
	}
	return SendRecv
}

// Session is a complete SDP session description.
type Session struct {
	Version    int
	Origin     Origin
	Name       string
	Connection *Connection
	Bandwidth  []Bandwidth
	Timing     Timing
	Attributes Attributes
	Media      []MediaDescription
}

// EffectiveDirection returns media's direction, falling back to the
// session-level direction attribute and then to SendRecv, per RFC 3264 §6.
func (s *Session) EffectiveDirection(media *MediaDescription) string {
	if media != nil {
		if d := media.Direction(); d != SendRecv || media.Attributes.Has(SendRecv) {
			return d
		}
	}
	for _, d := range [...]string{SendRecv, SendOnly, RecvOnly, Inactive} {
		if s.Attributes.Has(d) {
			return d
		}
	}
	return SendRecv
}

// FirstAudio returns the first audio media description, if any.
func (s *Session) FirstAudio() (*MediaDescription, bool) {
	for i := range s.Media {
		if s.Media[i].Media == "audio" {
			return &s.Media[i], true
		}
	}
	return nil, false
}

// Parse decodes a line-oriented "<type>=<value>" SDP body, tolerating
// either CRLF or bare-LF line endings, per RFC 4566 §4. Unknown attributes
// are preserved verbatim on the scope (session or media) they appeared in.
func Parse(data []byte) (*Session, error) {
	sess := &Session{}
	var current *MediaDescription

	lines := splitLines(string(data))
	for _, line := range lines {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		field, value := line[0], line[2:]

		if field == 'm' {
			if current != nil {
				current.Codecs = extractCodecs(current)
				sess.Media = append(sess.Media, *current)
			}
			m, err := parseMediaLine(value)
			if err != nil {
				return nil, err
			}
			current = m
			continue
		}

		if current != nil {
			switch field {
			case 'c':
				c, err := parseConnection(value)
				if err != nil {
					return nil, err
				}
				current.Connection = &c
			case 'b':
				current.Bandwidth = append(current.Bandwidth, parseBandwidth(value))
			case 'a':
				current.Attributes = appendAttribute(current.Attributes, value)
			}
			continue
		}

		switch field {
		case 'v':
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, errorutil.NewWrapperError(ErrMalformedSDP, err)
			}
			sess.Version = v
		case 'o':
			o, err := parseOrigin(value)
			if err != nil {
				return nil, err
			}
			sess.Origin = o
		case 's':
			sess.Name = value
		case 'c':
			c, err := parseConnection(value)
			if err != nil {
				return nil, err
			}
			sess.Connection = &c
		case 'b':
			sess.Bandwidth = append(sess.Bandwidth, parseBandwidth(value))
		case 't':
			t, err := parseTiming(value)
			if err != nil {
				return nil, err
			}
			sess.Timing = t
		case 'a':
			sess.Attributes = appendAttribute(sess.Attributes, value)
		}
	}

	if current != nil {
		current.Codecs = extractCodecs(current)
		sess.Media = append(sess.Media, *current)
	}

	return sess, nil
}

func splitLines(data string) []string {
	data = strings.ReplaceAll(data, "\r\n", "\n")
	return strings.Split(data, "\n")
}

func parseOrigin(value string) (Origin, error) {
	f := strings.Fields(value)
	if len(f) < 6 {
		return Origin{}, errorutil.NewWrapperError(ErrMalformedSDP, "o= line")
	}
	return Origin{
		Username:       f[0],
		SessionID:      f[1],
		SessionVersion: f[2],
		NetType:        f[3],
		AddrType:       f[4],
		Address:        f[5],
	}, nil
}

func parseConnection(value string) (Connection, error) {
	f := strings.Fields(value)
	if len(f) < 3 {
		return Connection{}, errorutil.NewWrapperError(ErrMalformedSDP, "c= line")
	}
	return Connection{NetType: f[0], AddrType: f[1], Address: f[2]}, nil
}

func parseBandwidth(value string) Bandwidth {
	typ, num, ok := strings.Cut(value, ":")
	if !ok {
		return Bandwidth{}
	}
	n, _ := strconv.Atoi(num)
	return Bandwidth{Type: typ, Value: n}
}

func parseTiming(value string) (Timing, error) {
	f := strings.Fields(value)
	if len(f) < 2 {
		return Timing{}, errorutil.NewWrapperError(ErrMalformedSDP, "t= line")
	}
	start, err1 := strconv.ParseUint(f[0], 10, 64)
	stop, err2 := strconv.ParseUint(f[1], 10, 64)
	if err1 != nil || err2 != nil {
		return Timing{}, errorutil.NewWrapperError(ErrMalformedSDP, "t= line")
	}
	return Timing{Start: start, Stop: stop}, nil
}

func parseMediaLine(value string) (*MediaDescription, error) {
	f := strings.Fields(value)
	if len(f) < 3 {
		return nil, errorutil.NewWrapperError(ErrMalformedSDP, "m= line")
	}
	port, err := strconv.Atoi(f[1])
	if err != nil {
		return nil, errorutil.NewWrapperError(ErrMalformedSDP, err)
	}
	m := &MediaDescription{Media: f[0], Port: port, Proto: f[2]}
	if len(f) > 3 {
		m.Formats = f[3:]
	}
	return m, nil
}

func appendAttribute(attrs Attributes, line string) Attributes {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return append(attrs, Attribute{Name: line})
	}
	return append(attrs, Attribute{Name: name, Value: value})
}

// extractCodecs resolves each of a media description's format numbers to a
// Codec, preferring an explicit rtpmap/fmtp pair and falling back to the
// RFC 3551 static assignment, in the order the formats were declared.
func extractCodecs(m *MediaDescription) []Codec {
	byPT := make(map[int]Codec, len(m.Attributes))
	for _, val := range m.Attributes.Values("rtpmap") {
		pt, rest, ok := strings.Cut(val, " ")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(pt)
		if err != nil {
			continue
		}
		parts := strings.Split(rest, "/")
		codec := Codec{PayloadType: n, EncodingName: parts[0]}
		if len(parts) > 1 {
			codec.ClockRate, _ = strconv.Atoi(parts[1])
		}
		if len(parts) > 2 {
			codec.Channels, _ = strconv.Atoi(parts[2])
		}
		byPT[n] = codec
	}
	for _, val := range m.Attributes.Values("fmtp") {
		pt, rest, ok := strings.Cut(val, " ")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(pt)
		if err != nil {
			continue
		}
		if codec, ok := byPT[n]; ok {
			codec.FMTP = rest
			byPT[n] = codec
		}
	}

	codecs := make([]Codec, 0, len(m.Formats))
	for _, f := range m.Formats {
		n, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		if codec, ok := byPT[n]; ok {
			codecs = append(codecs, codec)
			continue
		}
		if codec, ok := staticPayloadTypes[n]; ok {
			codecs = append(codecs, codec)
			continue
		}
		codecs = append(codecs, Codec{PayloadType: n})
	}
	return codecs
}

// Build renders sess in RFC 4566 canonical field order: v, o, s, c, b, t,
// session attributes, then each media section's m, c, b, and a lines.
func Build(sess *Session) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "v=%d\r\n", sess.Version)
	o := sess.Origin
	fmt.Fprintf(&b, "o=%s %s %s %s %s %s\r\n", o.Username, o.SessionID, o.SessionVersion, o.NetType, o.AddrType, o.Address)
	fmt.Fprintf(&b, "s=%s\r\n", sess.Name)

	if sess.Connection != nil {
		writeConnection(&b, sess.Connection)
	}
	for _, bw := range sess.Bandwidth {
		fmt.Fprintf(&b, "b=%s:%d\r\n", bw.Type, bw.Value)
	}
	fmt.Fprintf(&b, "t=%d %d\r\n", sess.Timing.Start, sess.Timing.Stop)
	writeAttributes(&b, sess.Attributes)

	for _, m := range sess.Media {
		fmt.Fprintf(&b, "m=%s %d %s %s\r\n", m.Media, m.Port, m.Proto, strings.Join(m.Formats, " "))
		if m.Connection != nil {
			writeConnection(&b, m.Connection)
		}
		for _, bw := range m.Bandwidth {
			fmt.Fprintf(&b, "b=%s:%d\r\n", bw.Type, bw.Value)
		}
		writeAttributes(&b, m.Attributes)
	}

	return []byte(b.String())
}

func writeConnection(b *strings.Builder, c *Connection) {
	fmt.Fprintf(b, "c=%s %s %s\r\n", c.NetType, c.AddrType, c.Address)
}

func writeAttributes(b *strings.Builder, attrs Attributes) {
	for _, a := range attrs {
		if a.Value == "" {
			fmt.Fprintf(b, "a=%s\r\n", a.Name)
		} else {
			fmt.Fprintf(b, "a=%s:%s\r\n", a.Name, a.Value)
		}
	}
}

// addrType returns "IP4" or "IP6" for ip, defaulting to "IP4" when ip does
// not parse (a hostname was supplied instead of a literal).
func addrType(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed != nil && parsed.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

func invertDirection(dir string) string {
	switch dir {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	default:
		return dir
	}
}

// Negotiate computes an SDP answer to offer, from the answerer's own
// perspective, per RFC 3264 and spec §4.D:
//  1. Only the first audio media in the offer is negotiated.
//  2. The offered payload types are intersected with supported, in the
//     order of supported (the answerer's own preference wins ties).
//  3. telephone-event is carried over when both the offer and dtmf ask for
//     it.
//  4. The offer's direction is inverted (sendonly<->recvonly; sendrecv and
//     inactive pass through).
func Negotiate(offer *Session, localIP string, localPort int, supported []int, dtmf bool) (*Session, error) {
	audio, ok := offer.FirstAudio()
	if !ok {
		return nil, ErrNoAudio
	}

	offeredPTs := make(map[int]bool, len(audio.Codecs))
	for _, c := range audio.Codecs {
		offeredPTs[c.PayloadType] = true
	}

	var chosen int
	found := false
	for _, pt := range supported {
		if offeredPTs[pt] {
			chosen = pt
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNoCommonCodec
	}

	var chosenCodec Codec
	for _, c := range audio.Codecs {
		if c.PayloadType == chosen {
			chosenCodec = c
			break
		}
	}

	formats := []string{strconv.Itoa(chosen)}
	attrs := Attributes{{Name: "rtpmap", Value: fmt.Sprintf("%d %s", chosen, rtpmapValueOf(chosenCodec))}}

	if dtmf {
		for _, c := range audio.Codecs {
			if c.EncodingName == TelephoneEvent {
				formats = append(formats, strconv.Itoa(c.PayloadType))
				attrs = append(attrs, Attribute{Name: "rtpmap", Value: fmt.Sprintf("%d %s/%d", c.PayloadType, TelephoneEvent, orDefault(c.ClockRate, 8000))})
				break
			}
		}
	}

	direction := invertDirection(offer.EffectiveDirection(audio))
	attrs = append(attrs, Attribute{Name: direction})

	answer := &Session{
		Version: 0,
		Origin: Origin{
			Username: "-", SessionID: offer.Origin.SessionID, SessionVersion: offer.Origin.SessionVersion,
			NetType: "IN", AddrType: addrType(localIP), Address: localIP,
		},
		Name:       "-",
		Connection: &Connection{NetType: "IN", AddrType: addrType(localIP), Address: localIP},
		Timing:     Timing{},
		Media: []MediaDescription{{
			Media:      "audio",
			Port:       localPort,
			Proto:      "RTP/AVP",
			Formats:    formats,
			Attributes: attrs,
		}},
	}
	answer.Media[0].Codecs = extractCodecs(&answer.Media[0])

	return answer, nil
}

// BuildOffer constructs an outbound audio offer from a priority-ordered
// list of local payload types, for a UAC originating a call or sending a
// re-INVITE, complementing Negotiate's answerer-only role.
func BuildOffer(localIP string, localPort int, payloadTypes []int, dtmf bool, direction string) *Session {
	if direction == "" {
		direction = SendRecv
	}

	formats := make([]string, 0, len(payloadTypes)+1)
	attrs := make(Attributes, 0, len(payloadTypes)+1)
	for _, pt := range payloadTypes {
		formats = append(formats, strconv.Itoa(pt))
		attrs = append(attrs, Attribute{Name: "rtpmap", Value: fmt.Sprintf("%d %s", pt, rtpmapValue(pt))})
	}
	if dtmf {
		formats = append(formats, "101")
		attrs = append(attrs, Attribute{Name: "rtpmap", Value: fmt.Sprintf("101 %s/8000", TelephoneEvent)})
		attrs = append(attrs, Attribute{Name: "fmtp", Value: "101 0-15"})
	}
	attrs = append(attrs, Attribute{Name: direction})

	offer := &Session{
		Version: 0,
		Origin: Origin{
			Username: "-", SessionID: "0", SessionVersion: "0",
			NetType: "IN", AddrType: addrType(localIP), Address: localIP,
		},
		Name:       "-",
		Connection: &Connection{NetType: "IN", AddrType: addrType(localIP), Address: localIP},
		Timing:     Timing{},
		Media: []MediaDescription{{
			Media:      "audio",
			Port:       localPort,
			Proto:      "RTP/AVP",
			Formats:    formats,
			Attributes: attrs,
		}},
	}
	offer.Media[0].Codecs = extractCodecs(&offer.Media[0])
	return offer
}

// rtpmapValueOf renders the rtpmap value for a codec actually pulled from an
// offer, falling back to the RFC 3551 static assignment only if the offer's
// own rtpmap for that payload type was somehow missing.
func rtpmapValueOf(codec Codec) string {
	if codec.EncodingName == "" {
		return rtpmapValue(codec.PayloadType)
	}
	if codec.Channels > 1 {
		return fmt.Sprintf("%s/%d/%d", codec.EncodingName, codec.ClockRate, codec.Channels)
	}
	return fmt.Sprintf("%s/%d", codec.EncodingName, codec.ClockRate)
}

func rtpmapValue(pt int) string {
	if codec, ok := staticPayloadTypes[pt]; ok {
		if codec.Channels > 1 {
			return fmt.Sprintf("%s/%d/%d", codec.EncodingName, codec.ClockRate, codec.Channels)
		}
		return fmt.Sprintf("%s/%d", codec.EncodingName, codec.ClockRate)
	}
	return fmt.Sprintf("payload-%d/8000", pt)
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
