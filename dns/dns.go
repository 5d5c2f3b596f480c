package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"braces.dev/errtrace"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
)

const (
	// cacheSize bounds how many distinct NAPTR/SRV owner names each cache
	// holds; RFC 3263 lookups are per-domain, so a UA talking to a handful
	// of proxies never comes close to evicting anything.
	cacheSize = 256
	// cacheCeiling is the outer bound placed on the expirable.LRU itself.
	// The library only supports one TTL per cache, so it can't enforce the
	// per-record TTL RFC 1035 requires; that's tracked per entry instead,
	// and this ceiling just guarantees the library eventually reaps entries
	// even if that per-entry bookkeeping were ever wrong.
	cacheCeiling = time.Hour
	// minCacheTTL keeps a pathological TTL=0 record (a legitimate "do not
	// cache" signal) from being repeatedly requeried on every call within
	// the same tight loop.
	minCacheTTL = 5 * time.Second
)

// Resolver wraps net.Resolver with additional DNS lookup capabilities.
type Resolver struct {
	net.Resolver

	// NameServer specifies the DNS server address (e.g., "8.8.8.8:53").
	// If empty, the system's default resolver configuration is used.
	NameServer string
	// Timeout specifies the timeout for DNS queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration

	cacheInit  sync.Once
	naptrCache *lru.LRU[string, naptrCacheEntry]
	srvCache   *lru.LRU[string, srvCacheEntry]
}

type naptrCacheEntry struct {
	recs      []*NAPTR
	expiresAt time.Time
}

type srvCacheEntry struct {
	srvs      []*SRV
	expiresAt time.Time
}

func (r *Resolver) caches() (*lru.LRU[string, naptrCacheEntry], *lru.LRU[string, srvCacheEntry]) {
	r.cacheInit.Do(func() {
		r.naptrCache = lru.NewLRU[string, naptrCacheEntry](cacheSize, nil, cacheCeiling)
		r.srvCache = lru.NewLRU[string, srvCacheEntry](cacheSize, nil, cacheCeiling)
	})
	return r.naptrCache, r.srvCache
}

// cacheTTLFrom converts a resource record's TTL, in seconds, to the
// duration an entry built from it should be trusted, clamped so a TTL=0
// record still gets briefly cached and a very long TTL doesn't outlive the
// cache's own ceiling.
func cacheTTLFrom(ttlSeconds uint32) time.Duration {
	d := time.Duration(ttlSeconds) * time.Second
	if d < minCacheTTL {
		return minCacheTTL
	}
	if d > cacheCeiling {
		return cacheCeiling
	}
	return d
}

func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	ips, err := r.Resolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			ips[i] = ip4
		}
	}
	return ips, nil
}

type SRV = net.SRV

// LookupSRV resolves the SRV records for _service._proto.host, per RFC
// 2782, using the cached result if it hasn't outlived the record TTL the
// answer carried.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	name := fmt.Sprintf("_%s._%s.%s", service, proto, host)
	return errtrace.Wrap2(r.LookupSRVName(ctx, name))
}

// LookupSRVName resolves the SRV records owned by the exact name, e.g. one
// produced by a NAPTR record's Replacement field, bypassing the
// _service._proto.host construction LookupSRV does.
func (r *Resolver) LookupSRVName(ctx context.Context, name string) ([]*SRV, error) {
	_, srvCache := r.caches()

	if entry, ok := srvCache.Get(name); ok && time.Now().Before(entry.expiresAt) {
		return entry.srvs, nil
	}

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	var srvs []*SRV
	minTTL := uint32(cacheCeiling / time.Second)
	for _, ans := range resp.Answer {
		rr, ok := ans.(*dns.SRV)
		if !ok {
			continue
		}
		srvs = append(srvs, &SRV{Target: rr.Target, Port: rr.Port, Priority: rr.Priority, Weight: rr.Weight})
		if rr.Hdr.Ttl < minTTL {
			minTTL = rr.Hdr.Ttl
		}
	}

	// RFC 2782 orders by Priority ascending, then favors higher Weight.
	slices.SortFunc(srvs, func(a, b *SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})

	srvCache.Add(name, srvCacheEntry{srvs: srvs, expiresAt: time.Now().Add(cacheTTLFrom(minTTL))})
	return srvs, nil
}

// NAPTR represents a NAPTR DNS record as defined in RFC 3403.
// NAPTR records are used for URI resolution, particularly in SIP (RFC 3263)
// for discovering transport protocols and services.
type NAPTR struct {
	// Order specifies the order in which NAPTR records must be processed.
	// Lower values are processed first.
	Order uint16
	// Preference specifies the preference for records with equal Order values.
	// Lower values are preferred.
	Preference uint16
	// Flags control aspects of the rewriting and interpretation of fields.
	// Common flags: "s" (SRV lookup), "a" (A/AAAA lookup), "u" (terminal URI).
	Flags string
	// Service specifies the service and protocol available.
	// For SIP: "SIP+D2U" (UDP), "SIP+D2T" (TCP), "SIP+D2S" (SCTP), "SIPS+D2T" (TLS).
	Service string
	// Regexp is a substitution expression applied to the original string.
	// Usually empty when Replacement is used.
	Regexp string
	// Replacement is the next domain name to query.
	// Usually points to an SRV record when Flags is "s".
	Replacement string
}

// LookupNAPTR queries NAPTR records for the given host, using the cached
// result if it hasn't outlived the record TTL the answer carried. Returns
// records sorted by Order (ascending), then by Preference (ascending).
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	naptrCache, _ := r.caches()

	if entry, ok := naptrCache.Get(host); ok && time.Now().Before(entry.expiresAt) {
		return entry.recs, nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]*NAPTR, 0, len(resp.Answer))
	minTTL := uint32(cacheCeiling / time.Second)
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
			if rr.Hdr.Ttl < minTTL {
				minTTL = rr.Hdr.Ttl
			}
		}
	}

	// Sort by Order, then by Preference (RFC 3403)
	slices.SortFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})

	naptrCache.Add(host, naptrCacheEntry{recs: recs, expiresAt: time.Now().Add(cacheTTLFrom(minTTL))})
	return recs, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}

	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

var defResolver = &Resolver{}

func DefaultResolver() *Resolver { return defResolver }

func LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	return errtrace.Wrap2(defResolver.LookupIP(ctx, "ip", host))
}

func LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	return errtrace.Wrap2(defResolver.LookupSRV(ctx, service, proto, host))
}

func LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	return errtrace.Wrap2(defResolver.LookupNAPTR(ctx, host))
}
