package proxy

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"scopegate/internal/config"
	"scopegate/internal/metrics"
	"scopegate/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quic-go/quic-go/http3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLimits = config.Limits{
	MaxFrameSize:   1 << 10,
	MaxMessageSize: 1 << 12,
	MaxConns:       10,
	ReadTimeout:    5 * time.Second,
	WriteTimeout:   5 * time.Second,
}

func newTestScopes(t *testing.T) *metrics.Scopes {
	t.Helper()
	s, err := metrics.Register(prometheus.NewRegistry())
	require.NoError(t, err)
	return s
}

func newTestProxy(t *testing.T) *Proxy {
	t.Helper()
	backend, err := url.Parse("ws://127.0.0.1:1")
	require.NoError(t, err)
	return &Proxy{
		Backend:    backend,
		PathRegexp: regexp.MustCompile("^/ws$"),
		Limits:     testLimits,
		Scopes:     newTestScopes(t),
		Classifier: NewClassifier([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}),
	}
}

func wsRequest(method, target, remote string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.RemoteAddr = remote
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("Sec-WebSocket-Version", "13")
	return r
}

func TestHandleRejects(t *testing.T) {
	tests := []struct {
		name     string
		req      func() *http.Request
		maxConns int64
		reason   string
		code     int
		internal bool
	}{
		{
			name:     "max conns",
			req:      func() *http.Request { return wsRequest(http.MethodConnect, "/ws", "10.0.0.1:4000") },
			maxConns: -1,
			reason:   metrics.RejectMaxConns,
			code:     http.StatusServiceUnavailable,
			internal: true,
		},
		{
			name:   "method",
			req:    func() *http.Request { return wsRequest(http.MethodGet, "/ws", "203.0.113.9:4000") },
			reason: metrics.RejectMethod,
			code:   http.StatusMethodNotAllowed,
		},
		{
			name:   "path",
			req:    func() *http.Request { return wsRequest(http.MethodConnect, "/other", "203.0.113.9:4000") },
			reason: metrics.RejectPath,
			code:   http.StatusNotFound,
		},
		{
			name: "bad headers",
			req: func() *http.Request {
				r := wsRequest(http.MethodConnect, "/ws", "10.20.30.40:4000")
				r.Header.Set("Sec-WebSocket-Version", "8")
				return r
			},
			reason:   metrics.RejectBadHeaders,
			code:     http.StatusBadRequest,
			internal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProxy(t)
			if tt.maxConns != 0 {
				p.Limits.MaxConns = tt.maxConns
			}

			rec := httptest.NewRecorder()
			p.HandleH3WebSocket(rec, tt.req())
			assert.Equal(t, tt.code, rec.Code)

			hit, other := p.Scopes.For(tt.internal), p.Scopes.For(!tt.internal)
			assert.Equal(t, 1.0, testutil.ToFloat64(hit.Traffic.Rejected(tt.reason)))
			assert.Equal(t, 1.0, testutil.ToFloat64(hit.ConnectionStatus(metrics.StatusError)))
			assert.Equal(t, 0.0, testutil.ToFloat64(hit.ConnectionStatus(metrics.StatusSuccess)))
			assert.Equal(t, 0.0, testutil.ToFloat64(other.ConnectionStatus(metrics.StatusError)))
			assert.Equal(t, 0.0, testutil.ToFloat64(hit.ActiveConnections()))
			assert.Equal(t, int64(0), p.active)
		})
	}
}

func TestHandleWithoutStreamTakeover(t *testing.T) {
	p := newTestProxy(t)

	rec := httptest.NewRecorder()
	p.HandleH3WebSocket(rec, wsRequest(http.MethodConnect, "/ws", "198.51.100.2:4000"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Scopes.External.ConnectionStatus(metrics.StatusError)))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.Scopes.External.ActiveConnections()))
}

// h3Stream stands in for a taken-over HTTP/3 request stream. Reads replay
// the client's frames; writes are collected for inspection.
type h3Stream struct {
	http3.Stream

	in io.Reader

	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func newH3Stream(in io.Reader) *h3Stream { return &h3Stream{in: in} }

// gatedReader holds r back until release is closed.
type gatedReader struct {
	release <-chan struct{}
	r       io.Reader
}

func (g gatedReader) Read(b []byte) (int, error) {
	select {
	case <-g.release:
	case <-time.After(5 * time.Second):
	}
	return g.r.Read(b)
}

func (s *h3Stream) Read(b []byte) (int, error) { return s.in.Read(b) }

func (s *h3Stream) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(b)
}

func (s *h3Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *h3Stream) written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.out.Bytes()...)
}

func (s *h3Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// streamingWriter is how the HTTP/3 server hands out the stream.
type streamingWriter struct {
	*httptest.ResponseRecorder
	str *h3Stream
}

func (w streamingWriter) HTTPStream() http3.Stream { return w.str }

// streamingBody exposes the stream on the request body instead.
type streamingBody struct {
	io.ReadCloser
	str *h3Stream
}

func (b streamingBody) HTTPStream() http3.Stream { return b.str }

func TestHandleSession(t *testing.T) {
	tests := []struct {
		name        string
		remote      string
		viaBody     bool
		deadBackend bool
	}{
		{name: "internal session", remote: "10.0.0.5:4000"},
		{name: "external session", remote: "198.51.100.7:4000"},
		{name: "stream on request body", remote: "10.0.0.6:4000", viaBody: true},
		{name: "backend dial failure", remote: "198.51.100.8:4000", deadBackend: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProxy(t)
			internal := p.Classifier.IsInternal(tt.remote)
			sc, other := p.Scopes.For(internal), p.Scopes.For(!internal)

			activeDuring := make(chan float64, 1)
			release := make(chan struct{})
			if !tt.deadBackend {
				upgrader := websocket.Upgrader{}
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					c, err := upgrader.Upgrade(w, r, nil)
					if err != nil {
						return
					}
					defer c.Close()
					if _, _, err := c.ReadMessage(); err != nil {
						return
					}
					activeDuring <- testutil.ToFloat64(sc.ActiveConnections())
					close(release)
					for {
						if _, _, err := c.ReadMessage(); err != nil {
							return
						}
					}
				}))
				t.Cleanup(srv.Close)
				backend, err := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http"))
				require.NoError(t, err)
				p.Backend = backend
			}

			// The client's close is only sent once the backend has the query.
			var query, bye bytes.Buffer
			require.NoError(t, ws.WriteDataFrame(&query, ws.OpText, []byte("q1"), true, 0))
			require.NoError(t, ws.WriteCloseFrame(&bye, 1000, "bye"))
			str := newH3Stream(io.MultiReader(&query, gatedReader{release: release, r: &bye}))

			req := wsRequest(http.MethodConnect, "/ws", tt.remote)
			rec := httptest.NewRecorder()
			var w http.ResponseWriter = streamingWriter{ResponseRecorder: rec, str: str}
			if tt.viaBody {
				req.Body = streamingBody{ReadCloser: io.NopCloser(strings.NewReader("")), str: str}
				w = rec
			}

			p.HandleH3WebSocket(w, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", rec.Header().Get("Sec-WebSocket-Accept"))
			assert.True(t, str.isClosed())
			assert.Equal(t, 0.0, testutil.ToFloat64(sc.ActiveConnections()))
			assert.Equal(t, 0.0, testutil.ToFloat64(other.ConnectionStatus(metrics.StatusSuccess)))
			assert.Equal(t, 0.0, testutil.ToFloat64(other.ConnectionStatus(metrics.StatusError)))
			assert.Equal(t, int64(0), p.active)

			if tt.deadBackend {
				assert.Equal(t, 0.0, testutil.ToFloat64(sc.ConnectionStatus(metrics.StatusSuccess)))
				assert.Equal(t, 1.0, testutil.ToFloat64(sc.ConnectionStatus(metrics.StatusError)))
				assert.Equal(t, 0.0, testutil.ToFloat64(sc.QueryStatus(metrics.StatusSuccess)))

				frames := readFrames(t, str.written())
				require.Len(t, frames, 1)
				assert.Equal(t, byte(ws.OpClose), frames[0].Opcode)
				assert.Equal(t, uint16(1011), binary.BigEndian.Uint16(frames[0].Payload))
				return
			}

			select {
			case v := <-activeDuring:
				assert.Equal(t, 1.0, v)
			default:
				t.Fatal("backend never saw the query")
			}
			assert.Equal(t, 1.0, testutil.ToFloat64(sc.ConnectionStatus(metrics.StatusSuccess)))
			assert.Equal(t, 0.0, testutil.ToFloat64(sc.ConnectionStatus(metrics.StatusError)))
			assert.Equal(t, 1.0, testutil.ToFloat64(sc.QueryStatus(metrics.StatusSuccess)))
			assert.Equal(t, 0.0, testutil.ToFloat64(sc.QueryStatus(metrics.StatusError)))
			assert.Equal(t, 2.0, testutil.ToFloat64(sc.Traffic.Bytes(metrics.DirH3ToH1)))
		})
	}
}

func TestClassifier(t *testing.T) {
	c := NewClassifier([]netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("fd00::/8"),
		netip.MustParsePrefix("fe80::/10"),
	})

	assert.True(t, c.IsInternal("10.1.2.3:443"))
	assert.True(t, c.IsInternal("10.1.2.3"))
	assert.True(t, c.IsInternal("[::ffff:10.9.9.9]:443"))
	assert.True(t, c.IsInternal("[fd00::1]:443"))
	assert.True(t, c.IsInternal("[fe80::1%eth0]:443"))
	assert.True(t, c.IsInternal("fe80::1%eth0"))
	assert.False(t, c.IsInternal("11.0.0.1:443"))
	assert.False(t, c.IsInternal("[2001:db8::1]:443"))
	assert.False(t, c.IsInternal("not-an-address"))
	assert.False(t, NewClassifier(nil).IsInternal("10.1.2.3:443"))
}
