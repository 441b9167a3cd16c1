package netsrv

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nvecd/nvecd/internal/pool"
)

func TestCIDRAdmission(t *testing.T) {
	cases := []struct {
		name    string
		entries []string
		ip      string
		want    bool
	}{
		{"loopback allowed", []string{"127.0.0.0/8"}, "127.0.0.1", true},
		{"outside range denied", []string{"127.0.0.0/8"}, "10.0.0.1", false},
		{"empty list fails closed", nil, "127.0.0.1", false},
		{"invalid entries skipped", []string{"garbage", "10.0.0.0/8"}, "10.1.2.3", true},
		{"only invalid entries fails closed", []string{"garbage"}, "10.1.2.3", false},
		{"exact host range", []string{"192.168.1.7/32"}, "192.168.1.7", true},
		{"exact host range misses sibling", []string{"192.168.1.7/32"}, "192.168.1.8", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := ParseCIDRList(tc.entries, nil)
			if got := l.Allowed(net.ParseIP(tc.ip)); got != tc.want {
				t.Errorf("Allowed(%s) = %v, want %v", tc.ip, got, tc.want)
			}
		})
	}
}

func startTestAcceptor(t *testing.T, maxConns int, dispatch DispatchFunc) *Acceptor {
	t.Helper()
	p := pool.New(pool.Options{Workers: 4, QueueSize: 8})
	t.Cleanup(func() { p.Shutdown(false, 0) })

	a, err := NewAcceptor(Options{
		Bind:           "127.0.0.1",
		Port:           0,
		MaxConnections: maxConns,
		RecvTimeout:    100 * time.Millisecond,
		MaxQueryLength: 1024,
		AllowCIDRs:     []string{"127.0.0.0/8"},
		Pool:           p,
		Dispatch:       dispatch,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Stop)
	return a
}

func TestRequestResponseRoundTrip(t *testing.T) {
	a := startTestAcceptor(t, 8, func(line string, cc *ConnContext) string {
		return "OK " + strings.ToUpper(line)
	})

	conn, err := net.Dial("tcp", a.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping\r\n")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if resp != "OK PING\r\n" {
		t.Errorf("response = %q, want %q", resp, "OK PING\r\n")
	}
}

func TestBareNewlineAccepted(t *testing.T) {
	a := startTestAcceptor(t, 8, func(line string, cc *ConnContext) string {
		return "OK " + line
	})

	conn, err := net.Dial("tcp", a.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Client may terminate with bare \n; server always answers \r\n.
	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if resp != "OK hello\r\n" {
		t.Errorf("response = %q", resp)
	}
}

func TestSplitLineReassembly(t *testing.T) {
	a := startTestAcceptor(t, 8, func(line string, cc *ConnContext) string {
		return "OK " + line
	})

	conn, err := net.Dial("tcp", a.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// One logical line delivered in three TCP writes.
	for _, chunk := range []string{"par", "tial li", "ne\r\n"} {
		if _, err := conn.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if resp != "OK partial line\r\n" {
		t.Errorf("response = %q", resp)
	}
}

func TestMaxConnectionsRefused(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	a := startTestAcceptor(t, 1, func(line string, cc *ConnContext) string {
		<-block
		return "OK"
	})

	first, err := net.Dial("tcp", a.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	first.Write([]byte("x\r\n"))
	time.Sleep(100 * time.Millisecond) // let it be tracked

	second, err := net.Dial("tcp", a.Addr())
	if err != nil {
		t.Fatal(err) // accept itself succeeds; the server closes right after
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Error("second connection should have been closed without a response")
	}
	if got := a.ActiveConnections(); got != 1 {
		t.Errorf("active connections = %d, want 1", got)
	}
}

func TestStopClosesConnections(t *testing.T) {
	a := startTestAcceptor(t, 8, func(line string, cc *ConnContext) string { return "OK" })

	conn, err := net.Dial("tcp", a.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	a.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("connection should be closed after Stop")
	}
}
