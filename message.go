package beacon

import (
	"strings"

	"github.com/miekg/dns"
)

// qClassCacheFlush is the mDNS cache-flush bit, the top bit of the
// rrclass field on a response record (spec.md §6, RFC 6762 §10.2).
// Grounded verbatim on kdanielm-zeroconf/server.go's qClassCacheFlush.
const qClassCacheFlush uint16 = 1 << 15

// encodedResponse is a service's precomputed mDNS response, ready to be
// sent without re-encoding on every matching query.
type encodedResponse struct {
	msg    *dns.Msg
	packed []byte
}

// buildResponse constructs the response message spec.md §3 (I3)
// describes: exactly one PTR answer naming instance_id, plus one
// A/AAAA per IP address (cache-flush set), one SRV, and one TXT
// (cache-flush set on SRV/TXT/A/AAAA).
//
// Grounded on kdanielm-zeroconf/server.go's composeLookupAnswers and
// appendAddrs, generalized from "the configured service" (a single
// *ServiceEntry field on Server) to an arbitrary *Service.
func buildResponse(svc *Service) (*encodedResponse, error) {
	msg := new(dns.Msg)
	msg.MsgHdr.Response = true
	msg.MsgHdr.Authoritative = true
	msg.MsgHdr.Opcode = dns.OpcodeQuery
	msg.Compress = true

	ptr := &dns.PTR{
		Hdr: dns.RR_Header{
			Name:   svc.ServiceType,
			Rrtype: dns.TypePTR,
			Class:  dns.ClassINET,
			Ttl:    svc.TTL,
		},
		Ptr: svc.InstanceID,
	}
	msg.Answer = []dns.RR{ptr}

	srv := &dns.SRV{
		Hdr: dns.RR_Header{
			Name:   svc.InstanceID,
			Rrtype: dns.TypeSRV,
			Class:  dns.ClassINET | qClassCacheFlush,
			Ttl:    svc.TTL,
		},
		Priority: 0,
		Weight:   0,
		Port:     svc.Port,
		Target:   svc.Hostname,
	}
	txt := &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   svc.InstanceID,
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET | qClassCacheFlush,
			Ttl:    svc.TTL,
		},
		Txt: append([]string(nil), svc.TXT...),
	}
	msg.Extra = append(msg.Extra, srv, txt)

	for _, ip := range svc.IPAddresses {
		if v4 := ip.To4(); v4 != nil {
			msg.Extra = append(msg.Extra, &dns.A{
				Hdr: dns.RR_Header{
					Name:   svc.Hostname,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET | qClassCacheFlush,
					Ttl:    svc.TTL,
				},
				A: v4,
			})
		} else {
			msg.Extra = append(msg.Extra, &dns.AAAA{
				Hdr: dns.RR_Header{
					Name:   svc.Hostname,
					Rrtype: dns.TypeAAAA,
					Class:  dns.ClassINET | qClassCacheFlush,
					Ttl:    svc.TTL,
				},
				AAAA: ip.To16(),
			})
		}
	}

	packed, err := msg.Pack()
	if err != nil {
		return nil, &ResponseEncodeError{Reason: "too many records for response", Err: err}
	}

	return &encodedResponse{msg: msg, packed: packed}, nil
}

// matchesQuery implements spec.md §6's query-matching rule: exact name
// match on service_type, or a configured subtype suffix match against
// the query's name (trailing-string match on the text form).
func matchesQuery(svc *Service, queryName string) bool {
	if queryName == svc.ServiceType {
		return true
	}
	if svc.SubtypeSuffix != "" && strings.HasSuffix(queryName, svc.SubtypeSuffix) {
		return true
	}
	return false
}

// isUnicastQuestion reports whether the mDNS QU bit (unicast-response
// requested) is set on q, per spec.md §6 and RFC 6762 §18.12. Grounded
// on kdanielm-zeroconf/server.go's isUnicastQuestion.
func isUnicastQuestion(q dns.Question) bool {
	return q.Qclass&qClassCacheFlush != 0
}

// buildPTRQuery constructs the PTR question the browser emits on every
// discovery tick (spec.md §4.4, §6). An empty serviceName produces the
// "meta-query for all services" spec.md describes.
func buildPTRQuery(serviceName string) *dns.Msg {
	name := serviceName
	if name == "" {
		name = dnsSDMetaQuery
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypePTR)
	m.Question[0].Qclass = dns.ClassINET // QU bit clear
	m.RecursionDesired = false
	return m
}

// dnsSDMetaQuery is the RFC 6762 §9 service-type enumeration name, used
// when the browser has no configured service_name.
const dnsSDMetaQuery = "_services._dns-sd._udp.local."

// decodeMessage unpacks a raw datagram into a dns.Msg, matching the
// external "DNS Codec" collaborator spec.md §1 calls out.
func decodeMessage(packet []byte) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil {
		return nil, err
	}
	return msg, nil
}
