// Package splice copies bytes bidirectionally between two connections with
// half-close propagation, the shared tail end of both the rendezvous-claim
// path and the client's per-connection forward.
package splice

import (
	"io"
	"net"
)

// Bidirectional copies between a and b in both directions until each side
// has reached EOF or failed, propagating half-close (CloseWrite) so the
// peer observes EOF promptly, then closes both sockets. onBytes, if
// non-nil, is called with the byte count copied in each direction.
func Bidirectional(a, b net.Conn, onBytes func(n int64)) {
	done := make(chan struct{}, 2)

	copyHalf := func(dst, src net.Conn) {
		n, _ := io.Copy(dst, src)
		if onBytes != nil && n > 0 {
			onBytes(n)
		}
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		done <- struct{}{}
	}

	go copyHalf(a, b)
	go copyHalf(b, a)

	<-done
	<-done

	_ = a.Close()
	_ = b.Close()
}
