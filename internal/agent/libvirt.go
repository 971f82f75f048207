package agent

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	golibvirt "github.com/digitalocean/go-libvirt"
)

// VMLister enumerates the guests of a hypervisor. An error means the host is
// not (or not reachably) a hypervisor.
type VMLister interface {
	ListVMs(ctx context.Context) ([]string, error)
}

// LibvirtLister lists domains through the libvirt RPC socket.
type LibvirtLister struct {
	uri string
}

// NewLibvirtLister returns a lister for uri, e.g.
// "qemu:///system" or "qemu+unix:///system?socket=/run/libvirt/libvirt-sock".
func NewLibvirtLister(uri string) *LibvirtLister {
	return &LibvirtLister{uri: uri}
}

// ListVMs returns the names of all defined domains, running or not, sorted.
func (l *LibvirtLister) ListVMs(ctx context.Context) ([]string, error) {
	raw := l.uri
	if raw == "" {
		raw = string(golibvirt.QEMUSystem)
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt uri %q: %w", raw, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := golibvirt.ConnectToURI(uri)
	if err != nil {
		return nil, fmt.Errorf("connect libvirt %s: %w", uri.Redacted(), err)
	}
	defer client.Disconnect()

	doms, _, err := client.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	names := make([]string, 0, len(doms))
	for _, d := range doms {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names, nil
}
