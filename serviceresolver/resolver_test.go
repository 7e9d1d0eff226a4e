package serviceresolver

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNSServer runs a UDP DNS server answering SRV queries with the given
// records and returns its address.
func startDNSServer(t *testing.T, records map[string][]*dns.SRV) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		reply := new(dns.Msg)
		reply.SetReply(req)
		if len(req.Question) == 1 && req.Question[0].Qtype == dns.TypeSRV {
			for _, srv := range records[req.Question[0].Name] {
				reply.Answer = append(reply.Answer, srv)
			}
		}
		_ = w.WriteMsg(reply)
	})

	server := &dns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func srvRecord(name, target string, port uint16) *dns.SRV {
	return &dns.SRV{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeSRV,
			Class:  dns.ClassINET,
			Ttl:    60,
		},
		Port:   port,
		Target: target,
	}
}

func TestDiscoverEndpoints(t *testing.T) {
	addr := startDNSServer(t, map[string][]*dns.SRV{
		"_enrollment._tcp.example.com.": {
			srvRecord("_enrollment._tcp.example.com.", "enroll-1.example.com.", 8085),
			srvRecord("_enrollment._tcp.example.com.", "enroll-2.example.com.", 9000),
		},
	})

	endpoints, err := New().WithDNSServer(addr).DiscoverEndpoints("_enrollment._tcp.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"enroll-1.example.com:8085", "enroll-2.example.com:9000"}, endpoints)
}

func TestDiscoverEndpoints_NoRecords(t *testing.T) {
	addr := startDNSServer(t, nil)

	_, err := New().WithDNSServer(addr).DiscoverEndpoints("missing.example.com")
	assert.Error(t, err)
}
