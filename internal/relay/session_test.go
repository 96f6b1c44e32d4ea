package relay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "cfspider-core/internal/core/errors"
)

func TestSessionRequiresAddress(t *testing.T) {
	_, err := NewSession(context.Background(), Address{})
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}

func TestSessionDefaultHeaderOverride(t *testing.T) {
	srv := newEdgeServer(t, func(req *Request) *Response {
		return NewResponse(200, nil, []byte(req.Header.Get("X-Client")), "", "")
	})
	defer srv.Close()

	defaults := make(http.Header)
	defaults.Set("X-Client", "session-default")

	sess, err := NewSession(context.Background(), mustAddress(t, srv.URL), WithDefaultHeader(defaults))
	require.NoError(t, err)
	defer sess.Close()

	resp, err := sess.Do(context.Background(), &Request{Method: MethodGet, URL: "https://target.example/"})
	require.NoError(t, err)
	assert.Equal(t, "session-default", resp.Text())

	override := make(http.Header)
	override.Set("X-Client", "per-request")
	resp, err = sess.Do(context.Background(), &Request{Method: MethodGet, URL: "https://target.example/", Header: override})
	require.NoError(t, err)
	assert.Equal(t, "per-request", resp.Text())
}

func TestSessionCookiePersistence(t *testing.T) {
	srv := newEdgeServer(t, func(req *Request) *Response {
		if strings.HasSuffix(req.URL, "/login") {
			return NewResponse(200, []HeaderItem{{Key: "Set-Cookie", Value: "session=abc123; Path=/"}},
				[]byte("logged in"), "", "")
		}
		return NewResponse(200, nil, []byte(req.Header.Get("Cookie")), "", "")
	})
	defer srv.Close()

	sess, err := NewSession(context.Background(), mustAddress(t, srv.URL))
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Do(context.Background(), &Request{Method: MethodPost, URL: "https://target.example/login"})
	require.NoError(t, err)

	resp, err := sess.Do(context.Background(), &Request{Method: MethodGet, URL: "https://target.example/profile"})
	require.NoError(t, err)
	assert.Contains(t, resp.Text(), "session=abc123")
}

func TestSessionConcurrentCookieMerge(t *testing.T) {
	srv := newEdgeServer(t, func(req *Request) *Response {
		name := req.Header.Get("X-Cookie-Name")
		return NewResponse(200, []HeaderItem{{Key: "Set-Cookie", Value: name + "=v; Path=/"}}, nil, "", "")
	})
	defer srv.Close()

	sess, err := NewSession(context.Background(), mustAddress(t, srv.URL))
	require.NoError(t, err)
	defer sess.Close()

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			header := make(http.Header)
			header.Set("X-Cookie-Name", fmt.Sprintf("c%02d", i))
			_, err := sess.Do(context.Background(),
				&Request{Method: MethodGet, URL: "https://target.example/", Header: header})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// 并发合并不丢失任何一个响应的 Cookie
	cookies, err := sess.Cookies("https://target.example/")
	require.NoError(t, err)
	require.Len(t, cookies, n)

	seen := make(map[string]bool)
	for _, c := range cookies {
		seen[c.Name] = true
	}
	for i := 0; i < n; i++ {
		assert.True(t, seen[fmt.Sprintf("c%02d", i)], "missing cookie c%02d", i)
	}
}

func TestSessionClosedRejectsCalls(t *testing.T) {
	srv := newEdgeServer(t, func(req *Request) *Response {
		return NewResponse(200, nil, nil, "", "")
	})
	defer srv.Close()

	sess, err := NewSession(context.Background(), mustAddress(t, srv.URL))
	require.NoError(t, err)

	assert.False(t, sess.Close().HasErrors())
	assert.False(t, sess.Close().HasErrors(), "close is idempotent")

	_, err = sess.Do(context.Background(), &Request{Method: MethodGet, URL: "https://target.example/"})
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeSessionClosed))
}

func TestSessionSetCookiesExplicit(t *testing.T) {
	srv := newEdgeServer(t, func(req *Request) *Response {
		return NewResponse(200, nil, []byte(req.Header.Get("Cookie")), "", "")
	})
	defer srv.Close()

	sess, err := NewSession(context.Background(), mustAddress(t, srv.URL))
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.SetCookies("https://target.example/", []*http.Cookie{
		{Name: "preset", Value: "yes"},
	}))

	resp, err := sess.Do(context.Background(), &Request{Method: MethodGet, URL: "https://target.example/page"})
	require.NoError(t, err)
	assert.Contains(t, resp.Text(), "preset=yes")
}
