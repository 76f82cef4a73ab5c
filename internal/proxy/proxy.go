package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"scopegate/internal/config"
	"scopegate/internal/metrics"
	"scopegate/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

type Proxy struct {
	Backend    *url.URL
	PathRegexp *regexp.Regexp
	Limits     config.Limits
	Scopes     *metrics.Scopes
	Classifier Classifier
	Log        *zap.Logger

	active int64
}

func (p *Proxy) logger() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

// HandleH3WebSocket accepts an RFC 9220 extended CONNECT and relays the
// stream to the backend, recording the session against the client's scope.
func (p *Proxy) HandleH3WebSocket(w http.ResponseWriter, r *http.Request) {
	sc := p.Scopes.For(p.Classifier.IsInternal(r.RemoteAddr))
	log := p.logger().With(
		zap.String("remote", r.RemoteAddr),
		zap.Bool("internal", sc.Internal()),
		zap.String("path", r.URL.Path),
	)

	reject := func(reason string, code int, msg string) {
		sc.Traffic.Rejected(reason).Inc()
		sc.ConnectionStatus(metrics.StatusError).Inc()
		log.Debug("rejected", zap.String("reason", reason))
		http.Error(w, msg, code)
	}

	if atomic.AddInt64(&p.active, 1) > p.Limits.MaxConns {
		atomic.AddInt64(&p.active, -1)
		reject(metrics.RejectMaxConns, http.StatusServiceUnavailable, "too many connections")
		return
	}
	defer atomic.AddInt64(&p.active, -1)

	if strings.ToUpper(r.Method) != http.MethodConnect {
		reject(metrics.RejectMethod, http.StatusMethodNotAllowed, "expected CONNECT")
		return
	}
	if p.PathRegexp != nil && !p.PathRegexp.MatchString(r.URL.Path) {
		reject(metrics.RejectPath, http.StatusNotFound, "not found")
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	ver := r.Header.Get("Sec-WebSocket-Version")
	if key == "" || ver != "13" {
		reject(metrics.RejectBadHeaders, http.StatusBadRequest, "missing/invalid websocket headers")
		return
	}

	// The server's ResponseWriter owns the stream; older transports exposed
	// it on the request body.
	hs, ok := w.(http3.HTTPStreamer)
	if !ok {
		hs, ok = r.Body.(http3.HTTPStreamer)
	}
	if !ok {
		sc.ConnectionStatus(metrics.StatusError).Inc()
		log.Error("http3 stream takeover not supported")
		http.Error(w, "http3 stream takeover not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Sec-WebSocket-Accept", ws.ComputeAccept(key))
	subp := r.Header.Get("Sec-WebSocket-Protocol")
	if subp != "" {
		w.Header().Set("Sec-WebSocket-Protocol", ws.PickFirstToken(subp))
	}
	w.WriteHeader(http.StatusOK)

	stream := hs.HTTPStream()
	defer func() { _ = stream.Close() }()

	backendURL := *p.Backend
	backendURL.Path = r.URL.Path
	backendURL.RawQuery = r.URL.RawQuery

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	backendHeader := http.Header{}
	if subp != "" {
		backendHeader.Set("Sec-WebSocket-Protocol", ws.PickFirstToken(subp))
	}
	bws, resp, err := dialer.DialContext(r.Context(), backendURL.String(), backendHeader)
	if err != nil {
		sc.ConnectionStatus(metrics.StatusError).Inc()
		fields := []zap.Field{zap.Error(err), zap.String("backend", backendURL.String())}
		if resp != nil {
			fields = append(fields, zap.String("status", resp.Status))
		}
		log.Warn("backend dial failed", fields...)
		_ = ws.WriteCloseFrame(stream, 1011, "backend dial failed")
		return
	}
	defer func() { _ = bws.Close() }()

	sc.ConnectionStatus(metrics.StatusSuccess).Inc()
	sc.ActiveConnections().Inc()
	defer sc.ActiveConnections().Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	bws.SetReadLimit(p.Limits.MaxMessageSize)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- pumpH3ToBackend(ctx, stream, bws, p.Limits, sc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- pumpBackendToH3(ctx, bws, stream, p.Limits, sc)
	}()

	err1 := <-errCh
	cancel()
	_ = stream.Close()
	_ = bws.Close()
	wg.Wait()

	if err1 != nil && !errors.Is(err1, context.Canceled) && !ws.IsNetClose(err1) {
		log.Info("session ended", zap.Error(err1))
		return
	}
	log.Debug("session closed")
}
