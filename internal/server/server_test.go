package server

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nvecd/nvecd/internal/serverconfig"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := serverconfig.Default()
	cfg.API.TCP.Port = 0
	cfg.Snapshot.Dir = t.TempDir()
	cfg.Perf.ConnectionTimeoutSec = 1

	srv, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func sendLine(t *testing.T, conn net.Conn, r *bufio.Reader, line string) string {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading response to %q: %v", line, err)
	}
	return strings.TrimRight(resp, "\r\n")
}

func readLines(t *testing.T, conn net.Conn, r *bufio.Reader, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		ln, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, strings.TrimRight(ln, "\r\n"))
	}
	return out
}

func TestServerEndToEnd(t *testing.T) {
	srv := startTestServer(t)

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	for _, line := range []string{
		"VECSET a 1 0 0",
		"VECSET b 0 1 0",
		"VECSET c 0.9 0.1 0",
	} {
		if resp := sendLine(t, conn, r, line); resp != "OK" {
			t.Fatalf("%q -> %q", line, resp)
		}
	}

	resp := sendLine(t, conn, r, "SIM a 2 using=vectors")
	if resp != "OK RESULTS 2" {
		t.Fatalf("SIM -> %q", resp)
	}
	rows := readLines(t, conn, r, 2)
	if !strings.HasPrefix(rows[0], "c ") || !strings.HasPrefix(rows[1], "b ") {
		t.Errorf("result rows = %v, want c then b", rows)
	}

	if resp := sendLine(t, conn, r, "EVENT s1 a 3"); resp != "OK" {
		t.Fatalf("EVENT -> %q", resp)
	}

	resp = sendLine(t, conn, r, "DUMP SAVE e2e.dmp")
	if !strings.HasPrefix(resp, "OK DUMP_SAVED ") {
		t.Fatalf("DUMP SAVE -> %q", resp)
	}
	if resp := sendLine(t, conn, r, "DUMP VERIFY e2e.dmp"); !strings.HasPrefix(resp, "OK") {
		t.Fatalf("DUMP VERIFY -> %q", resp)
	}
}

func TestServerRestoresDefaultSnapshotOnStartup(t *testing.T) {
	cfg := serverconfig.Default()
	cfg.API.TCP.Port = 0
	cfg.Snapshot.Dir = t.TempDir()

	srv, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(conn)
	sendLine(t, conn, r, "VECSET a 1 0")
	if resp := sendLine(t, conn, r, "DUMP SAVE"); !strings.HasPrefix(resp, "OK") {
		t.Fatalf("DUMP SAVE -> %q", resp)
	}
	conn.Close()
	srv.Stop()

	// Second server over the same snapshot dir restores the default dump.
	srv2, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv2.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv2.Stop)

	if got := srv2.vecStore.GetVectorCount(); got != 1 {
		t.Errorf("restored vector count = %d, want 1", got)
	}
}
