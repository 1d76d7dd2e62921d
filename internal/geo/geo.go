// Package geo classifies source IP addresses using a MaxMind ASN database.
package geo

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// cloudOrgs are ASN organization substrings of public cloud and hosting
// providers.
var cloudOrgs = []string{
	"amazon", "google", "microsoft", "digitalocean", "ovh", "hetzner",
	"linode", "akamai", "oracle", "alibaba", "tencent", "vultr", "scaleway",
}

type asnReader interface {
	ASN(ip net.IP) (*geoip2.ASN, error)
	Close() error
}

// Network describes who announces an address.
type Network struct {
	ASN          uint
	Organization string
	CloudHosted  bool
}

// Resolver looks up the network of an address.
type Resolver struct {
	asn asnReader
}

// Open loads the ASN database at path.
func Open(path string) (*Resolver, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geo: open asn database %s: %w", path, err)
	}
	return &Resolver{asn: r}, nil
}

// Close releases the database.
func (r *Resolver) Close() error {
	return r.asn.Close()
}

// Lookup returns the network of ip. Private and unparsable addresses are
// an error.
func (r *Resolver) Lookup(ipAddress string) (*Network, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return nil, fmt.Errorf("geo: invalid ip address %q", ipAddress)
	}
	if ip.IsPrivate() || ip.IsLoopback() {
		return nil, fmt.Errorf("geo: %s is not publicly routed", ipAddress)
	}
	record, err := r.asn.ASN(ip)
	if err != nil {
		return nil, fmt.Errorf("geo: lookup %s: %w", ipAddress, err)
	}
	return &Network{
		ASN:          record.AutonomousSystemNumber,
		Organization: record.AutonomousSystemOrganization,
		CloudHosted:  isCloudOrg(record.AutonomousSystemOrganization),
	}, nil
}

// CloudHosted reports whether ip belongs to a cloud provider network.
// Unknown addresses are not cloud hosted.
func (r *Resolver) CloudHosted(ipAddress string) bool {
	if r == nil {
		return false
	}
	n, err := r.Lookup(ipAddress)
	return err == nil && n.CloudHosted
}

func isCloudOrg(org string) bool {
	org = strings.ToLower(org)
	for _, c := range cloudOrgs {
		if strings.Contains(org, c) {
			return true
		}
	}
	return false
}
