package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"braces.dev/errtrace"

	"github.com/coredial/sipua/dns"
	"github.com/coredial/sipua/internal/types"
	"github.com/coredial/sipua/message"
)

// Layer multiplexes one or more Transport implementations by protocol name
// and resolves an outbound request's destination address per RFC 3263
// (NAPTR -> SRV -> A/AAAA fallback), fanning inbound messages from every
// registered transport into a single channel.
type Layer struct {
	log      *slog.Logger
	resolver *dns.Resolver

	mu         sync.RWMutex
	transports map[types.TransportProto]Transport

	messages chan *Incoming
	errs     chan error
	done     chan struct{}
}

// NewLayer constructs an empty Layer. Register transports with
// RegisterTransport before Listen/Send.
func NewLayer(log *slog.Logger, resolver *dns.Resolver) *Layer {
	if resolver == nil {
		resolver = dns.DefaultResolver()
	}
	return &Layer{
		log:        log,
		resolver:   resolver,
		transports: make(map[types.TransportProto]Transport),
		messages:   make(chan *Incoming, 128),
		errs:       make(chan error, 32),
		done:       make(chan struct{}),
	}
}

// RegisterTransport adds t under its own Network() name and starts pumping
// its Messages()/Errors() into the layer's fan-in channels.
func (l *Layer) RegisterTransport(t Transport) {
	l.mu.Lock()
	l.transports[t.Network()] = t
	l.mu.Unlock()

	go l.pump(t)
}

func (l *Layer) pump(t Transport) {
	for {
		select {
		case msg, ok := <-t.Messages():
			if !ok {
				return
			}
			select {
			case l.messages <- msg:
			case <-l.done:
				return
			}
		case err, ok := <-t.Errors():
			if !ok {
				return
			}
			select {
			case l.errs <- err:
			case <-l.done:
				return
			}
		case <-l.done:
			return
		}
	}
}

// Listen starts the named protocol's transport listening on target.
func (l *Layer) Listen(ctx context.Context, protocol types.TransportProto, target Target) error {
	t, ok := l.transport(protocol)
	if !ok {
		return errtrace.Wrap(UnsupportedProtocolError(protocol))
	}
	return errtrace.Wrap(t.Listen(ctx, target))
}

// Send resolves msg's destination via Resolve and dispatches it on the
// requested protocol's transport.
func (l *Layer) Send(ctx context.Context, protocol types.TransportProto, host string, port uint16, msg message.Message) error {
	t, ok := l.transport(protocol)
	if !ok {
		return errtrace.Wrap(UnsupportedProtocolError(protocol))
	}

	target, err := l.Resolve(ctx, protocol, host, port)
	if err != nil {
		return errtrace.Wrap(err)
	}

	return errtrace.Wrap(t.Send(ctx, target, msg))
}

// Resolve turns a host (and optional explicit port) into a dialable Target,
// following RFC 3263's fallback order: explicit port skips discovery
// entirely; otherwise try NAPTR discovery of the SRV owner name, then plain
// SRV discovery on the well-known name, then fall back to an A/AAAA lookup
// on the transport's default port.
func (l *Layer) Resolve(ctx context.Context, protocol types.TransportProto, host string, port uint16) (Target, error) {
	if ip := net.ParseIP(host); ip != nil {
		p := port
		if p == 0 {
			p = DefaultPort
		}
		return Target{Addr: types.HostPort(host, p), Protocol: protocol}, nil
	}

	if port != 0 {
		ips, err := l.resolver.LookupIP(ctx, "ip", host)
		if err != nil || len(ips) == 0 {
			return Target{}, errtrace.Wrap(fmt.Errorf("resolve %s: %w", host, err))
		}
		return Target{Addr: types.HostPort(ips[0].String(), port), Protocol: protocol}, nil
	}

	if target, ok := l.resolveViaNAPTR(ctx, protocol, host); ok {
		return target, nil
	}

	service, proto := srvService(protocol)
	if srvs, err := l.resolver.LookupSRV(ctx, service, proto, host); err == nil && len(srvs) > 0 {
		ips, err := l.resolver.LookupIP(ctx, "ip", strings.TrimSuffix(srvs[0].Target, "."))
		if err == nil && len(ips) > 0 {
			return Target{Addr: types.HostPort(ips[0].String(), srvs[0].Port), Protocol: protocol}, nil
		}
	}

	ips, err := l.resolver.LookupIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return Target{}, errtrace.Wrap(fmt.Errorf("resolve %s: %w", host, err))
	}
	return Target{Addr: types.HostPort(ips[0].String(), DefaultPort), Protocol: protocol}, nil
}

// resolveViaNAPTR looks up host's NAPTR records and, if one names an SRV
// owner for protocol, follows it through to a dialable Target. It reports
// false if NAPTR discovery isn't available or names nothing usable, so the
// caller can fall through to plain SRV/A lookups per RFC 3263 §4.1.
func (l *Layer) resolveViaNAPTR(ctx context.Context, protocol types.TransportProto, host string) (Target, bool) {
	naptrs, err := l.resolver.LookupNAPTR(ctx, host)
	if err != nil || len(naptrs) == 0 {
		return Target{}, false
	}

	want := naptrService(protocol)
	for _, rec := range naptrs {
		if !strings.EqualFold(rec.Service, want) || !strings.Contains(strings.ToLower(rec.Flags), "s") {
			continue
		}
		name := strings.TrimSuffix(rec.Replacement, ".")
		if name == "" {
			continue
		}

		srvs, err := l.resolver.LookupSRVName(ctx, name)
		if err != nil || len(srvs) == 0 {
			continue
		}
		ips, err := l.resolver.LookupIP(ctx, "ip", strings.TrimSuffix(srvs[0].Target, "."))
		if err != nil || len(ips) == 0 {
			continue
		}
		return Target{Addr: types.HostPort(ips[0].String(), srvs[0].Port), Protocol: protocol}, true
	}
	return Target{}, false
}

func srvService(protocol types.TransportProto) (service, proto string) {
	switch strings.ToUpper(string(protocol)) {
	case "TCP":
		return "sip", "tcp"
	case "TLS":
		return "sips", "tcp"
	default:
		return "sip", "udp"
	}
}

// naptrService maps a transport protocol to the NAPTR service field RFC
// 3263 §4.1 defines for it.
func naptrService(protocol types.TransportProto) string {
	switch strings.ToUpper(string(protocol)) {
	case "TCP":
		return "SIP+D2T"
	case "TLS":
		return "SIPS+D2T"
	default:
		return "SIP+D2U"
	}
}

func (l *Layer) transport(protocol types.TransportProto) (Transport, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.transports[protocol]
	return t, ok
}

// TransportFor exposes the concrete Transport registered for protocol, for
// callers (the transaction layer) that need to hand it directly to a
// client or server transaction.
func (l *Layer) TransportFor(protocol types.TransportProto) (Transport, bool) {
	return l.transport(protocol)
}

// Messages returns the channel on which messages from every registered
// transport are delivered.
func (l *Layer) Messages() <-chan *Incoming { return l.messages }

// Errors returns the channel on which asynchronous errors from every
// registered transport are delivered.
func (l *Layer) Errors() <-chan error { return l.errs }

// Close closes every registered transport and stops fan-in pumping.
func (l *Layer) Close() error {
	close(l.done)

	l.mu.RLock()
	transports := make([]Transport, 0, len(l.transports))
	for _, t := range l.transports {
		transports = append(transports, t)
	}
	l.mu.RUnlock()

	var firstErr error
	for _, t := range transports {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
