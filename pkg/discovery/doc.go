// Package discovery advertises listening seam transports over mDNS/DNS-SD
// and browses for them.
//
// Every transport is one instance of the _seam._tcp service (_seam._udp for
// QUIC). Instance name format: <host>-<transport name>.
//
// TXT records:
//   - kind: transport kind (tcp, tls, ws, quic)
//   - id: a random instance id, stable for the lifetime of the advertiser
//   - v: protocol version
//   - path: upgrade path (ws only, optional)
//   - alpn: ALPN protocol (tls and quic only, optional)
//
// Browsing aggregates the addresses an instance announces on several
// interfaces into one Service.
package discovery
