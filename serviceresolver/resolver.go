// Package serviceresolver discovers enrollment server endpoints through DNS
// SRV records. A machine provisioned with only its deployment domain can
// locate the enrollment authority without baked-in addresses.
package serviceresolver

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// DefaultDNSServer is the systemd-resolved stub listener most deployments
// run locally.
const DefaultDNSServer = "127.0.0.53:53"

// Resolver looks up enrollment endpoints via SRV records.
type Resolver struct {
	dnsServer string
	client    *dns.Client
}

// New creates a resolver querying the default local DNS server.
func New() *Resolver {
	return &Resolver{
		dnsServer: DefaultDNSServer,
		client:    new(dns.Client),
	}
}

// WithDNSServer overrides the DNS server address queried for SRV records.
func (r *Resolver) WithDNSServer(addr string) *Resolver {
	r.dnsServer = addr
	return r
}

// DiscoverEndpoints resolves the domain's SRV records into host:port
// endpoints, ordered as returned by the DNS server.
func (r *Resolver) DiscoverEndpoints(domain string) ([]string, error) {
	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{
		Name:   dns.Fqdn(domain),
		Qtype:  dns.TypeSRV,
		Qclass: dns.ClassINET,
	}}

	in, _, err := r.client.Exchange(msg, r.dnsServer)
	if err != nil {
		return nil, fmt.Errorf("SRV query for %s failed: %w", domain, err)
	}

	endpoints := make([]string, 0, len(in.Answer))
	for _, answer := range in.Answer {
		srv, ok := answer.(*dns.SRV)
		if !ok {
			continue
		}
		host := strings.TrimSuffix(srv.Target, ".")
		endpoints = append(endpoints, net.JoinHostPort(host, strconv.Itoa(int(srv.Port))))
	}

	if len(endpoints) == 0 {
		return nil, errors.New("no SRV records found for " + domain)
	}
	return endpoints, nil
}
