package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alwaysok/internal/config"
	"alwaysok/internal/metrics"
	"alwaysok/internal/pki"
	"alwaysok/internal/resolver"
)

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
func (brokenBody) Close() error             { return nil }

func TestAlwaysOK_LogsRequest(t *testing.T) {
	log, hook := test.NewNullLogger()
	h := withRequestID(AlwaysOK{Log: log})

	req := httptest.NewRequest(http.MethodPut, "/any/path?x=1", strings.NewReader(`{"a":1}`))
	req.Header.Set("X-Trace", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ResponseText, rec.Body.String())

	e := hook.LastEntry()
	require.NotNil(t, e)
	assert.Equal(t, logrus.InfoLevel, e.Level)
	assert.Equal(t, "http", e.Data["scheme"])
	assert.Equal(t, http.MethodPut, e.Data["method"])
	assert.Equal(t, "/any/path", e.Data["path"])
	assert.Equal(t, "x=1", e.Data["query"])
	assert.Equal(t, `{"a":1}`, e.Data["body"])
	assert.Contains(t, e.Data["headers"], "X-Trace")
	assert.Len(t, e.Data["request_id"], 36)
}

func TestAlwaysOK_UnreadableBody(t *testing.T) {
	log, hook := test.NewNullLogger()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Body = brokenBody{}
	rec := httptest.NewRecorder()
	AlwaysOK{Log: log}.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	e := hook.LastEntry()
	require.NotNil(t, e)
	assert.Equal(t, "n/a", e.Data["body"])
	assert.Equal(t, "connection reset", e.Data["body_error"])
}

func TestAlwaysOK_Head(t *testing.T) {
	log, _ := test.NewNullLogger()
	rec := httptest.NewRecorder()
	AlwaysOK{Log: log}.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestReadBody(t *testing.T) {
	assert.Equal(t, Body{}, readBody(httptest.NewRequest(http.MethodGet, "/", nil)))

	big := strings.Repeat("x", maxBodyLog+10)
	b := readBody(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big)))
	assert.True(t, b.Present)
	assert.True(t, b.Truncated)
	assert.Len(t, b.Text, maxBodyLog)
}

func TestServer_TLSEndToEnd(t *testing.T) {
	ca, err := pki.GenerateAuthority(pki.DefaultSubject, time.Now())
	require.NoError(t, err)
	gen := &pki.Generator{
		Subject: pki.DefaultSubject,
		SANs:    &pki.SANBuilder{Addrs: func() ([]net.Addr, error) { return nil, nil }},
	}
	stats := metrics.NewAggregator()
	res := resolver.New(pki.NewStaticLoader(ca), gen, resolver.Options{Stats: stats})

	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.ListenTLS = "127.0.0.1:0"
	log, _ := test.NewNullLogger()
	srv, err := NewServer(cfg, log, res, stats)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpAddr, tlsAddr, err := srv.Addrs(ctx)
	require.NoError(t, err)

	// trusted chain for the loopback name
	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: ca.Pool(), ServerName: "localhost"},
	}}
	resp, err := client.Get("https://" + tlsAddr.String() + "/hello")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ResponseText, string(body))

	// arbitrary SNI name gets its own leaf
	conn, err := tls.Dial("tcp", tlsAddr.String(), &tls.Config{ServerName: "api.internal", InsecureSkipVerify: true})
	require.NoError(t, err)
	peer := conn.ConnectionState().PeerCertificates
	conn.Close()
	require.Len(t, peer, 2)
	assert.Equal(t, "api.internal", peer[0].Subject.CommonName)
	require.NoError(t, peer[0].CheckSignatureFrom(ca.Cert))

	resp, err = http.Post("http://"+httpAddr.String()+"/x", "text/plain", strings.NewReader("hi"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	snap := stats.Snapshot()
	assert.Equal(t, uint64(2), snap.TotalRequests)
	assert.Equal(t, uint64(2), snap.Issuance.Generated)

	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, <-done)
}

func TestServer_FailedListenerStopsTheOther(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.ListenTLS = "127.0.0.1:0"
	log, _ := test.NewNullLogger()
	srv, err := NewServer(cfg, log, resolver.New(nil, nil, resolver.Options{}), nil)
	require.NoError(t, err)
	// no certificate source makes ServeTLS fail at start
	srv.tlsSrv.TLSConfig.GetCertificate = nil

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe kept serving after the TLS listener failed")
	}
	httpAddr, _, err := srv.Addrs(context.Background())
	require.NoError(t, err)
	_, err = net.DialTimeout("tcp", httpAddr.String(), time.Second)
	assert.Error(t, err)
}

func TestNewServer_NoListeners(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = ""
	cfg.ListenTLS = ""
	_, err := NewServer(cfg, logrus.New(), nil, nil)
	assert.Error(t, err)
}
