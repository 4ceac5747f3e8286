package operator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/pokefs/internal/catalog"
	"github.com/agentic-research/pokefs/internal/domain"
)

type stubHost struct{ addErr error }

func (h *stubHost) Add(context.Context) error                      { return h.addErr }
func (h *stubHost) Remove(context.Context) error                   { return nil }
func (h *stubHost) SignalEnumerator(context.Context, string) error { return nil }

type stubFetcher struct{ err error }

func (f *stubFetcher) FetchCatalog(context.Context, int) (catalog.Snapshot, error) {
	return catalog.Snapshot{}, f.err
}

func newAPI(host *stubHost, fetcher *stubFetcher) *httptest.Server {
	ctl := domain.New(domain.Options{Host: host, Fetcher: fetcher})
	srv := httptest.NewServer(New(ctl, nil).Handler())
	return srv
}

func do(t *testing.T, method, url string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestAPI_Lifecycle(t *testing.T) {
	srv := newAPI(&stubHost{}, &stubFetcher{})
	defer srv.Close()

	code, body := do(t, http.MethodGet, srv.URL+"/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["connected"])
	assert.Equal(t, "disconnected", body["state"])

	code, body = do(t, http.MethodPost, srv.URL+"/connect")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["connected"])

	code, _ = do(t, http.MethodPost, srv.URL+"/refresh")
	assert.Equal(t, http.StatusOK, code)

	code, body = do(t, http.MethodPost, srv.URL+"/disconnect")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["connected"])
}

func TestAPI_GuardErrorsAreConflicts(t *testing.T) {
	srv := newAPI(&stubHost{}, &stubFetcher{})
	defer srv.Close()

	for _, path := range []string{"/disconnect", "/refresh"} {
		code, body := do(t, http.MethodPost, srv.URL+path)
		assert.Equal(t, http.StatusConflict, code, path)
		assert.Equal(t, domain.ErrNotConnected.Error(), body["error"], path)
	}

	code, _ := do(t, http.MethodPost, srv.URL+"/connect")
	require.Equal(t, http.StatusOK, code)
	code, body := do(t, http.MethodPost, srv.URL+"/connect")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, domain.ErrAlreadyConnected.Error(), body["error"])
}

func TestAPI_HostAndFetchFailuresAreBadGateway(t *testing.T) {
	srv := newAPI(&stubHost{addErr: errors.New("mount denied")}, &stubFetcher{})
	defer srv.Close()

	code, body := do(t, http.MethodPost, srv.URL+"/connect")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, body["error"], "mount denied")

	fetchErr := &catalog.FetchError{Kind: catalog.ErrBadStatus, StatusCode: 500}
	srv2 := newAPI(&stubHost{}, &stubFetcher{err: fetchErr})
	defer srv2.Close()

	code, _ = do(t, http.MethodPost, srv2.URL+"/connect")
	require.Equal(t, http.StatusOK, code)
	code, body = do(t, http.MethodPost, srv2.URL+"/refresh")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, body["error"], "HTTP 500")
}

func TestAPI_WrongMethod(t *testing.T) {
	srv := newAPI(&stubHost{}, &stubFetcher{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/connect")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("wrap: %w", domain.ErrNotConnected)))
	assert.Equal(t, http.StatusBadGateway, statusFor(fmt.Errorf("%w: x", domain.ErrFetchFailed)))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestServe_StopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := New(domain.New(domain.Options{Host: &stubHost{}, Fetcher: &stubFetcher{}}), nil)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/status")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
