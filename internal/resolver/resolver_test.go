package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func startServer(t *testing.T, records map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			q := req.Question[0]
			ip, ok := records[q.Name]
			if !ok {
				m.Rcode = dns.RcodeNameError
			} else {
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(ip),
				})
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestResolveA(t *testing.T) {
	addr := startServer(t, map[string]string{"n1.example.com.": "5.6.7.8"})
	r := New(addr, time.Second)

	got, err := r.ResolveA(context.Background(), "N1.Example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0] != "5.6.7.8" {
		t.Fatalf("got %v, want [5.6.7.8]", got)
	}
}

func TestResolveANameError(t *testing.T) {
	addr := startServer(t, map[string]string{})
	r := New(addr, time.Second)

	if _, err := r.ResolveA(context.Background(), "missing.example.com"); err == nil {
		t.Fatal("expected an error for NXDOMAIN")
	}
}

func TestNewDefaultsPort(t *testing.T) {
	r := New("9.9.9.9", 0)
	if r.nameserver != "9.9.9.9:53" {
		t.Fatalf("nameserver = %s", r.nameserver)
	}
	if New("", 0).nameserver != DefaultNameserver {
		t.Fatal("empty nameserver should use the default")
	}
}
