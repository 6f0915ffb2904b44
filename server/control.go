package server

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"push-rpc/protocol"
)

// controlRouter serves the diagnostic endpoints. They are answered straight from
// the dispatcher; no Request/Response pair is ever built for them.
func (d *Dispatcher) controlRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	statusPage := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(d.reporter.String()))
	}
	r.Get("/", statusPage)
	r.Get("/status", statusPage)
	return r
}

// serveControl answers packet when it targets a control path and reports whether it did.
func (d *Dispatcher) serveControl(packet any, conn protocol.Conn) bool {
	r, ok := packet.(*http.Request)
	if !ok || r == nil {
		return false
	}
	if !d.control.Match(chi.NewRouteContext(), r.Method, r.URL.Path) {
		return false
	}

	log := d.logger.With(zap.String("path", r.URL.Path), zap.String("conn", protocol.ConnID(conn)))
	keepAlive := !r.Close

	data, err := d.buildControlReply(r, keepAlive)
	if err != nil {
		log.Warn("send status info response failed", zap.Error(err))
		return true
	}
	if _, err := conn.Write(data); err != nil {
		log.Warn("send status info response failed", zap.Error(fmt.Errorf("%w: %w", ErrControlEndpoint, err)))
	}
	if !keepAlive {
		conn.Close()
	}
	return true
}

func (d *Dispatcher) buildControlReply(r *http.Request, keepAlive bool) (data []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrControlEndpoint, p)
		}
	}()

	rec := &responseBuffer{header: make(http.Header)}
	d.control.ServeHTTP(rec, r)

	data, err = protocol.WriteHTTPResponse(rec.statusCode(), rec.header, rec.body.Bytes(), keepAlive)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrControlEndpoint, err)
	}
	return data, nil
}

// responseBuffer is an http.ResponseWriter that keeps the reply in memory so it
// can be written to the connection in one piece.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *responseBuffer) Header() http.Header {
	return b.header
}

func (b *responseBuffer) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(p)
}

func (b *responseBuffer) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}
