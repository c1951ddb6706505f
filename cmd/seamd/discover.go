package main

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/seamnet/seam/pkg/discovery"
)

// printServices writes one line per discovered service until results is
// closed and returns how many were printed.
func printServices(w io.Writer, results <-chan *discovery.Service) int {
	n := 0
	for svc := range results {
		fmt.Fprintln(w, formatService(svc))
		n++
	}
	return n
}

// formatService renders a service as a dialable address plus its metadata.
func formatService(svc *discovery.Service) string {
	host := strings.TrimSuffix(svc.Host, ".")
	if len(svc.Addresses) > 0 {
		host = svc.Addresses[0]
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(svc.Port)))

	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-4s ", svc.InstanceName, svc.Kind)
	switch svc.Kind {
	case discovery.KindWS:
		fmt.Fprintf(&b, "ws://%s%s", addr, svc.Path)
	default:
		b.WriteString(addr)
	}
	fmt.Fprintf(&b, " id=%s", svc.ID)
	if svc.ALPN != "" {
		fmt.Fprintf(&b, " alpn=%s", svc.ALPN)
	}
	if len(svc.Addresses) > 1 {
		fmt.Fprintf(&b, " also=%s", strings.Join(svc.Addresses[1:], ","))
	}
	return b.String()
}
