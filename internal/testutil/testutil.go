// Package testutil provides shared test helpers.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/bloom.scanner/internal/monitoring"
)

// LoopbackAddr is the client address debug requests come from. tsweb only
// serves debug pages to loopback and tailnet peers.
const LoopbackAddr = "127.0.0.1:4000"

// QuietLogs mutes the process logger until the test ends.
func QuietLogs(t testing.TB) {
	t.Helper()
	t.Cleanup(monitoring.Replace(monitoring.Discard()))
}

// DebugRequest builds a request the debug routes accept.
func DebugRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = LoopbackAddr
	return req
}

// Serve runs req through h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}
