package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "cfspider-core/internal/core/errors"
	"cfspider-core/internal/transport"
)

// newEdgeServer 启动进程内边缘端点模拟：解开信封、交给 handle、编码回复
func newEdgeServer(t *testing.T, handle func(req *Request) *Response) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathJSON {
			http.NotFound(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		req, err := DecodeRequest(r.URL.String(), r.Header, body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		resp := handle(req)
		if resp.Colo == "" {
			resp.Colo = "NRT"
		}
		if resp.Ray == "" {
			resp.Ray = "test-ray-0001"
		}
		raw, err := EncodeResponse(resp)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	}))
}

func TestClientDo(t *testing.T) {
	srv := newEdgeServer(t, func(req *Request) *Response {
		return NewResponse(200, []HeaderItem{{Key: "X-Echo-Method", Value: string(req.Method)}},
			[]byte("hello from edge"), "SIN", "ray-42")
	})
	defer srv.Close()

	client, err := NewClient()
	require.NoError(t, err)

	resp, err := client.Do(context.Background(),
		&Request{Method: MethodGet, URL: "https://target.example/page"},
		mustAddress(t, srv.URL))
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello from edge", resp.Text())
	assert.Equal(t, "SIN", resp.Colo)
	assert.Equal(t, "ray-42", resp.Ray)
	assert.Equal(t, "GET", resp.Header().Get("X-Echo-Method"))

	records := client.Records().Recent()
	require.Len(t, records, 1)
	assert.Equal(t, "SIN", records[0].Colo)
	assert.Equal(t, "ray-42", records[0].Ray)
	assert.Equal(t, 200, records[0].Status)
	assert.Greater(t, records[0].Latency, time.Duration(0))
}

func TestClientDoRelayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(530)
		w.Write([]byte("origin unreachable"))
	}))
	defer srv.Close()

	client, err := NewClient()
	require.NoError(t, err)

	_, err = client.Do(context.Background(),
		&Request{Method: MethodGet, URL: "https://target.example/"},
		mustAddress(t, srv.URL))
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeRelayTransport))

	status, ok := coreerrors.RelayStatus(err)
	require.True(t, ok)
	assert.Equal(t, 530, status)
}

func TestClientDoMalformedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>definitely not an envelope</html>"))
	}))
	defer srv.Close()

	client, err := NewClient()
	require.NoError(t, err)

	_, err = client.Do(context.Background(),
		&Request{Method: MethodGet, URL: "https://target.example/"},
		mustAddress(t, srv.URL))
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeProtocolError))
}

func TestClientDoTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	client, err := NewClient()
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Do(context.Background(),
		&Request{Method: MethodGet, URL: "https://target.example/", Timeout: 50 * time.Millisecond},
		mustAddress(t, srv.URL))
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeTimeout))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestClientDoNetworkError(t *testing.T) {
	client, err := NewClient()
	require.NoError(t, err)

	_, err = client.Do(context.Background(),
		&Request{Method: MethodGet, URL: "https://target.example/", Timeout: 2 * time.Second},
		mustAddress(t, "http://127.0.0.1:1"))
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeNetworkError))
}

func TestClientStatusProbe(t *testing.T) {
	served := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathStatus {
			w.Write([]byte(`{"pool":3}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer served.Close()

	client, err := NewClient()
	require.NoError(t, err)

	body, err := client.Status(context.Background(), mustAddress(t, served.URL))
	require.NoError(t, err)
	assert.Equal(t, `{"pool":3}`, string(body))

	absent := httptest.NewServer(http.NotFoundHandler())
	defer absent.Close()

	_, err = client.Status(context.Background(), mustAddress(t, absent.URL))
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeNotSupported))
}

func TestClientRejectsTunnelProxy(t *testing.T) {
	desc, err := transport.Parse("tunnel.example.com", "c373c80c-58e4-4e64-8db5-40096905ec58")
	require.NoError(t, err)
	require.Equal(t, transport.KindTunnel, desc.Kind)

	_, err = NewClient(WithProxy(desc))
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}

func TestRecordsEviction(t *testing.T) {
	records := NewRecords(3)
	for i := 0; i < 5; i++ {
		records.Add(Record{Ray: string(rune('a' + i))})
	}
	assert.Equal(t, 3, records.Len())

	recent := records.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "c", recent[0].Ray)
	assert.Equal(t, "e", recent[2].Ray)
}
