package cfspider

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "cfspider-core/internal/core/errors"
	"cfspider-core/internal/relay"
)

// startEdge 进程内边缘端点：解开信封、执行 handle、编码回复
func startEdge(t *testing.T, handle func(req *relay.Request) *relay.Response) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != relay.PathJSON {
			http.NotFound(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		req, err := relay.DecodeRequest(r.URL.String(), r.Header, body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		resp := handle(req)
		if resp.Colo == "" {
			resp.Colo = "NRT"
		}
		if resp.Ray == "" {
			resp.Ray = "edge-ray-1"
		}
		raw, err := relay.EncodeResponse(resp)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	}))
}

func TestGetThroughRelay(t *testing.T) {
	edge := startEdge(t, func(req *relay.Request) *relay.Response {
		return relay.NewResponse(200, nil, []byte("hello from "+req.URL), "SIN", "")
	})
	defer edge.Close()

	resp, err := Get("https://target.example/page", WithRelay(edge.URL))
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, resp.OK())
	assert.NotEmpty(t, resp.Text())
	assert.NotEmpty(t, resp.Colo)
	assert.Equal(t, "SIN", resp.Colo)
}

func TestPostFormThroughRelay(t *testing.T) {
	edge := startEdge(t, func(req *relay.Request) *relay.Response {
		return relay.NewResponse(200, nil, []byte(req.Form.Get("user")), "", "")
	})
	defer edge.Close()

	resp, err := Post("https://target.example/login",
		WithRelay(edge.URL),
		WithData(map[string]string{"user": "alice", "pass": "secret"}),
	)
	require.NoError(t, err)
	assert.Equal(t, "alice", resp.Text())
}

func TestParamsAndHeadersThroughRelay(t *testing.T) {
	edge := startEdge(t, func(req *relay.Request) *relay.Response {
		body := req.URL + "|" + req.Header.Get("X-Api-Key") + "|" + req.Header.Get("Cookie")
		return relay.NewResponse(200, nil, []byte(body), "", "")
	})
	defer edge.Close()

	resp, err := Get("https://target.example/search",
		WithRelay(edge.URL),
		WithParams(map[string]string{"q": "golang"}),
		WithParam("page", "2"),
		WithHeaders(map[string]string{"X-Api-Key": "k-123"}),
		WithCookies(map[string]string{"lang": "zh", "session": "s1"}),
	)
	require.NoError(t, err)

	assert.Contains(t, resp.Text(), "q=golang")
	assert.Contains(t, resp.Text(), "page=2")
	assert.Contains(t, resp.Text(), "k-123")
	assert.Contains(t, resp.Text(), "lang=zh; session=s1")
}

func TestRelayFailureSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	_, err := Get("https://target.example/", WithRelay(srv.URL))
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeRelayTransport))
}

func TestDirectGet(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Served-By", "origin")
		w.Write([]byte("direct body"))
	}))
	defer target.Close()

	resp, err := Get(target.URL)
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "direct body", resp.Text())
	assert.Equal(t, "origin", resp.Header().Get("X-Served-By"))
	assert.Empty(t, resp.Colo)
	assert.Empty(t, resp.Ray)
}

func TestDirectPostJSON(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	defer target.Close()

	resp, err := Post(target.URL, WithJSON(map[string]string{"name": "cfspider"}))
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, resp.JSON(&out))
	assert.Equal(t, "cfspider", out["name"])
}

func TestDirectTimeout(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer target.Close()

	_, err := Get(target.URL, WithTimeout(50*time.Millisecond))
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeTimeout))
}

func TestDirectRejectsTunnelProxy(t *testing.T) {
	_, err := Get("https://target.example/",
		WithProxy("tunnel.example.com"), // 无凭证的主机名按描述符规则先落到配置错误
	)
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}

func TestInvalidOptionsFailFast(t *testing.T) {
	_, err := Get("https://target.example/", WithRelay(""))
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))

	_, err = Get("https://target.example/", WithTimeout(-time.Second))
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidParam))
}

func TestSessionCookieFlow(t *testing.T) {
	edge := startEdge(t, func(req *relay.Request) *relay.Response {
		if req.URL == "https://target.example/login" {
			return relay.NewResponse(200,
				[]relay.HeaderItem{{Key: "Set-Cookie", Value: "auth=tok; Path=/"}},
				[]byte("ok"), "", "")
		}
		return relay.NewResponse(200, nil, []byte(req.Header.Get("Cookie")), "", "")
	})
	defer edge.Close()

	sess, err := NewSession(edge.URL, WithHeaders(map[string]string{"User-Agent": "cfspider-test"}))
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Post("https://target.example/login")
	require.NoError(t, err)

	resp, err := sess.Get("https://target.example/profile")
	require.NoError(t, err)
	assert.Contains(t, resp.Text(), "auth=tok")

	records := sess.Records()
	assert.Len(t, records, 2)
}

func TestSessionClosed(t *testing.T) {
	edge := startEdge(t, func(req *relay.Request) *relay.Response {
		return relay.NewResponse(200, nil, nil, "", "")
	})
	defer edge.Close()

	sess, err := NewSession(edge.URL)
	require.NoError(t, err)
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close(), "close is idempotent")

	_, err = sess.Get("https://target.example/")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeSessionClosed))
}

func TestSessionRejectsPerCallRelay(t *testing.T) {
	edge := startEdge(t, func(req *relay.Request) *relay.Response {
		return relay.NewResponse(200, nil, nil, "", "")
	})
	defer edge.Close()

	sess, err := NewSession(edge.URL)
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Get("https://target.example/", WithRelay(edge.URL))
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidParam))
}
