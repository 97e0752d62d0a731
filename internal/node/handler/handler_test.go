package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sigsum.org/ct-mirror/internal/types"
)

type response struct {
	endpoint string
	code     int
}

type recordingMetrics struct {
	requests  []string
	responses []response
}

func (m *recordingMetrics) OnRequest(endpoint string) {
	m.requests = append(m.requests, endpoint)
}

func (m *recordingMetrics) OnResponse(endpoint string, code int, _ time.Duration) {
	m.responses = append(m.responses, response{endpoint, code})
}

// TestPath checks that Path works for an endpoint (get-sth)
func TestPath(t *testing.T) {
	testFun := func(_ context.Context, _ http.ResponseWriter, _ *http.Request) (int, error) {
		return 0, nil
	}
	for _, table := range []struct {
		description string
		prefix      string
		want        string
	}{
		{
			description: "no prefix",
			want:        "/ct/v1/get-sth",
		},
		{
			description: "a prefix",
			prefix:      "test-prefix",
			want:        "/test-prefix/ct/v1/get-sth",
		},
	} {
		h := Handler{Config{}, testFun, types.EndpointGetSTH, http.MethodGet}
		if got, want := h.Path(table.prefix), table.want; got != want {
			t.Errorf("%s: got path %v but wanted %v", table.description, got, want)
		}
	}
}

func TestVerifyMethod(t *testing.T) {
	badMethod := http.MethodHead
	for _, h := range []Handler{
		{
			Endpoint: types.EndpointGetSTH,
			Method:   http.MethodGet,
		},
		{
			Endpoint: types.EndpointStatus,
			Method:   http.MethodPost,
		},
	} {
		for _, method := range []string{
			http.MethodGet,
			http.MethodPost,
			badMethod,
		} {
			url := h.Endpoint.Path("http://mirror.example.com", "fixme")
			req, err := http.NewRequest(method, url, nil)
			if err != nil {
				t.Fatalf("must create HTTP request: %v", err)
			}

			w := httptest.NewRecorder()
			code := h.verifyMethod(w, req)
			if got, want := code == 0, h.Method == method; got != want {
				t.Errorf("%s %s: got %v but wanted %v: %v", method, url, got, want, err)
				continue
			}
			if code == 0 {
				continue
			}

			if method == badMethod {
				if got, want := code, http.StatusBadRequest; got != want {
					t.Errorf("%s %s: got status %d, wanted %d", method, url, got, want)
				}
				if _, ok := w.Header()["Allow"]; ok {
					t.Errorf("%s %s: got Allow header, wanted none", method, url)
				}
				continue
			}

			if got, want := code, http.StatusMethodNotAllowed; got != want {
				t.Errorf("%s %s: got status %d, wanted %d", method, url, got, want)
			} else if methods, ok := w.Header()["Allow"]; !ok {
				t.Errorf("%s %s: got no allow header, expected one", method, url)
			} else if got, want := len(methods), 1; got != want {
				t.Errorf("%s %s: got %d allowed method(s), wanted %d", method, url, got, want)
			} else if got, want := methods[0], h.Method; got != want {
				t.Errorf("%s %s: got allowed method %s, wanted %s", method, url, got, want)
			}
		}
	}
}

func TestServeHTTP(t *testing.T) {
	for _, table := range []struct {
		description string
		method      string
		fun         func(context.Context, http.ResponseWriter, *http.Request) (int, error)
		wantCode    int
		wantBody    string
	}{
		{
			description: "ok",
			method:      http.MethodGet,
			fun: func(_ context.Context, w http.ResponseWriter, _ *http.Request) (int, error) {
				w.Write([]byte("hello"))
				return http.StatusOK, nil
			},
			wantCode: http.StatusOK,
			wantBody: "hello",
		},
		{
			description: "not found",
			method:      http.MethodGet,
			fun: func(context.Context, http.ResponseWriter, *http.Request) (int, error) {
				return http.StatusNotFound, fmt.Errorf("no tree head")
			},
			wantCode: http.StatusNotFound,
			wantBody: "no tree head\n",
		},
		{
			description: "timeout applied",
			method:      http.MethodGet,
			fun: func(ctx context.Context, _ http.ResponseWriter, _ *http.Request) (int, error) {
				if _, ok := ctx.Deadline(); !ok {
					return http.StatusInternalServerError, fmt.Errorf("no deadline")
				}
				return http.StatusNoContent, nil
			},
			wantCode: http.StatusNoContent,
		},
		{
			description: "bad method",
			method:      http.MethodPost,
			wantCode:    http.StatusMethodNotAllowed,
			wantBody:    "Method Not Allowed\n",
		},
	} {
		m := &recordingMetrics{}
		h := Handler{Config{Timeout: time.Minute, Metrics: m}, table.fun, types.EndpointGetSTH, http.MethodGet}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(table.method, "/ct/v1/get-sth", nil))
		if got, want := w.Code, table.wantCode; got != want {
			t.Errorf("%s: got status %d, wanted %d", table.description, got, want)
		}
		if got, want := w.Body.String(), table.wantBody; got != want {
			t.Errorf("%s: got body %q, wanted %q", table.description, got, want)
		}
		if len(m.requests) != 1 || m.requests[0] != string(types.EndpointGetSTH) {
			t.Errorf("%s: unexpected requests metrics %v", table.description, m.requests)
		}
		if len(m.responses) != 1 || m.responses[0].code != table.wantCode {
			t.Errorf("%s: unexpected response metrics %v", table.description, m.responses)
		}
	}
}
