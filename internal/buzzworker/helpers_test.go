package buzzworker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"buzzworker/internal/errors"
)

const testOrigin = "http://origin.test"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeOrigin answers origin requests in-process and can be switched offline.
type fakeOrigin struct {
	mu      sync.Mutex
	offline bool
	calls   map[string]int
	handler http.HandlerFunc
}

func newFakeOrigin(h http.HandlerFunc) *fakeOrigin {
	return &fakeOrigin{calls: map[string]int{}, handler: h}
}

func (f *fakeOrigin) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	offline := f.offline
	f.calls[req.URL.RequestURI()]++
	h := f.handler
	f.mu.Unlock()
	if offline {
		return nil, errors.New("dial tcp origin.test:80: connect: connection refused")
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func (f *fakeOrigin) SetOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeOrigin) Calls(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

// testConfig parses extra YAML on top of a config pointing at testOrigin.
func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte("server:\n  origin: \"" + testOrigin + "\"\n" + extra))
	require.NoError(t, err)
	return cfg
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenMemStore(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type serviceFixture struct {
	svc    *Service
	store  *Store
	origin *fakeOrigin
	clock  *testClock
}

func newServiceFixture(t *testing.T, cfg Config, origin *fakeOrigin, opts ...Option) *serviceFixture {
	t.Helper()
	f := &serviceFixture{store: newTestStore(t), origin: origin, clock: newTestClock()}
	opts = append([]Option{
		WithStore(f.store),
		WithClock(f.clock.Now),
		WithHTTPClient(&http.Client{Transport: origin}),
	}, opts...)
	svc, err := NewService(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	f.svc = svc
	return f
}

func (f *serviceFixture) activate(t *testing.T) InstallReport {
	t.Helper()
	report, err := f.svc.Start(context.Background())
	require.NoError(t, err)
	return report
}

func (f *serviceFixture) do(method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.svc.Handler().ServeHTTP(rec, req)
	return rec
}

var (
	navigate = map[string]string{"Sec-Fetch-Mode": "navigate", "Sec-Fetch-Dest": "document"}
	script   = map[string]string{"Sec-Fetch-Mode": "no-cors", "Sec-Fetch-Dest": "script"}
	image    = map[string]string{"Sec-Fetch-Mode": "no-cors", "Sec-Fetch-Dest": "image"}
)

type recordingReporter struct {
	mu     sync.Mutex
	failed map[string]error
}

func (r *recordingReporter) ReportAssetFailure(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed == nil {
		r.failed = map[string]error{}
	}
	r.failed[path] = err
}
