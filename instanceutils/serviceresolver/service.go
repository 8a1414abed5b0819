package serviceresolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DefaultServer is the local stub resolver.
const DefaultServer = "127.0.0.53:53"

var ErrNoEndpoints = errors.New("no endpoints found")

// Endpoint is one host shell instance announced through an SRV record.
type Endpoint struct {
	Host     string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Resolver looks up SRV records with an explicit DNS server, bypassing the
// system resolver so that enclave hosts can point at a dedicated zone.
type Resolver struct {
	// Server is the DNS server address (host:port). Defaults to DefaultServer.
	Server  string
	Timeout time.Duration
}

// ResolveEndpoints resolves name's SRV records, ordered by ascending
// priority and then descending weight.
func (r *Resolver) ResolveEndpoints(ctx context.Context, name string) ([]Endpoint, error) {
	server := r.Server
	if server == "" {
		server = DefaultServer
	}

	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: dns.TypeSRV, Qclass: dns.ClassINET}}

	c := new(dns.Client)
	if r.Timeout > 0 {
		c.Timeout = r.Timeout
	}
	in, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolving %s: %s", name, dns.RcodeToString[in.Rcode])
	}

	endpoints := make([]Endpoint, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			endpoints = append(endpoints, Endpoint{
				Host:     strings.TrimSuffix(srv.Target, "."),
				Port:     srv.Port,
				Priority: srv.Priority,
				Weight:   srv.Weight,
			})
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoEndpoints, name)
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		if endpoints[i].Priority != endpoints[j].Priority {
			return endpoints[i].Priority < endpoints[j].Priority
		}
		return endpoints[i].Weight > endpoints[j].Weight
	})
	return endpoints, nil
}
