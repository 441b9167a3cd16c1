package netsrv

import (
	"bytes"
	"errors"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
)

// handleConn runs the per-connection loop: read into a small buffer until a
// complete line arrives, dispatch it, write the response with CRLF. The
// accumulated buffer is capped at 10x the line limit so a client that never
// sends a newline cannot grow memory without bound.
func (a *Acceptor) handleConn(conn net.Conn) {
	defer conn.Close()

	cc := &ConnContext{RemoteAddr: conn.RemoteAddr().String()}
	recvBuf := make([]byte, 4096)
	var acc []byte
	accCap := 10 * a.maxQueryLength

	for {
		if a.stopping.Load() {
			return
		}
		conn.SetReadDeadline(time.Now().Add(a.recvTimeout))
		n, err := conn.Read(recvBuf)
		if n > 0 {
			if len(acc)+n > accCap {
				a.log.Warn("connection exceeded buffer cap; closing",
					zap.String("remote", cc.RemoteAddr), zap.Int("cap", accCap))
				return
			}
			acc = append(acc, recvBuf[:n]...)

			for {
				idx := bytes.IndexByte(acc, '\n')
				if idx < 0 {
					break
				}
				line := acc[:idx]
				acc = acc[idx+1:]
				line = bytes.TrimSuffix(line, []byte{'\r'})
				if len(line) == 0 {
					continue
				}
				if len(line) > a.maxQueryLength {
					if !a.writeLine(conn, "ERROR Query too long") {
						return
					}
					continue
				}
				resp := a.dispatch(string(line), cc)
				if !a.writeLine(conn, resp) {
					return
				}
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Recv timeout is the shutdown poll point.
				continue
			}
			return // EOF, reset, or broken pipe: drop the connection
		}
	}
}

// writeLine sends payload + CRLF, retrying when a write deadline expires
// (interrupted system calls are retried inside the Go runtime). Partial
// writes are handled by net.Conn.Write itself. Returns false on a dead peer.
func (a *Acceptor) writeLine(conn net.Conn, payload string) bool {
	out := append([]byte(payload), '\r', '\n')
	for {
		_, err := conn.Write(out)
		if err == nil {
			return true
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		return false
	}
}
