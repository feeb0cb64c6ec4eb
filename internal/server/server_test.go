package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	msgpack "github.com/vmihailenco/msgpack/v5"
	"go.uber.org/goleak"

	"github.com/italypaleale/courier/deadletter"
	"github.com/italypaleale/courier/filters"
	"github.com/italypaleale/courier/internal/apiauth"
	"github.com/italypaleale/courier/internal/testutil"
	"github.com/italypaleale/courier/internal/tlsconfig"
	"github.com/italypaleale/courier/sender"
)

type testServer struct {
	srv        *Server
	handler    http.Handler
	sender     *sender.Sender
	filters    *filters.Store
	deadLetter *deadletter.MemoryStore
	logs       *testutil.ConcurrentBuffer
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()

	var err error
	ts := &testServer{
		filters:    filters.NewStore(),
		deadLetter: deadletter.NewMemoryStore(),
	}

	if opts.Sender == nil {
		ts.sender, err = sender.New(
			sender.BoolTransport(func([]byte) bool { return true }),
			sender.WithQueueCapacity(2),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = ts.sender.Close() })
		opts.Sender = ts.sender
	}
	opts.Filters = ts.filters
	if opts.DeadLetter == nil {
		opts.DeadLetter = ts.deadLetter
	}
	opts.Logger, ts.logs = testutil.NewLogger()

	ts.srv, err = New(opts)
	require.NoError(t, err)
	ts.handler = ts.srv.Handler(nil)

	return ts
}

type response struct {
	Code    int
	Header  http.Header
	Body    []byte
	Message string
}

func (ts *testServer) do(t *testing.T, method string, path string, body any, headers ...string) response {
	t.Helper()

	var reqBody io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reqBody = strings.NewReader(v)
	case []byte:
		reqBody = bytes.NewReader(v)
	default:
		enc, err := json.Marshal(v)
		require.NoError(t, err)
		reqBody = bytes.NewReader(enc)
	}

	req := httptest.NewRequest(method, path, reqBody)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	res := response{
		Code:   rec.Code,
		Header: rec.Header(),
		Body:   rec.Body.Bytes(),
	}
	if rec.Code >= 400 && rec.Header().Get(headerContentType) == contentTypeJSON {
		var e apiError
		require.NoError(t, json.Unmarshal(res.Body, &e))
		res.Message = e.Message
	}

	return res
}

func TestSend(t *testing.T) {
	ts := newTestServer(t, Options{})

	t.Run("accepted", func(t *testing.T) {
		res := ts.do(t, http.MethodPost, "/send", map[string]any{"body": "hello"})
		require.Equal(t, http.StatusAccepted, res.Code)
		assert.JSONEq(t, `{}`, string(res.Body))
		assert.Equal(t, 1, ts.sender.Len())
	})

	t.Run("missing body", func(t *testing.T) {
		res := ts.do(t, http.MethodPost, "/send", map[string]any{"foo": "bar"})
		require.Equal(t, http.StatusBadRequest, res.Code)
		assert.Equal(t, `field "body" is missing from request`, res.Message)

		res = ts.do(t, http.MethodPost, "/send", map[string]any{"body": nil})
		require.Equal(t, http.StatusBadRequest, res.Code)
		assert.Equal(t, `field "body" is missing from request`, res.Message)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		res := ts.do(t, http.MethodPost, "/send", "{not json")
		require.Equal(t, http.StatusBadRequest, res.Code)
		assert.Contains(t, res.Message, "invalid request body")
	})

	t.Run("unsupported content type", func(t *testing.T) {
		res := ts.do(t, http.MethodPost, "/send", "body=hello", headerContentType, "application/x-www-form-urlencoded")
		require.Equal(t, http.StatusUnsupportedMediaType, res.Code)
	})

	t.Run("forbidden by filter", func(t *testing.T) {
		f, err := ts.filters.Add("secret")
		require.NoError(t, err)
		defer ts.filters.Delete(f.ID)

		res := ts.do(t, http.MethodPost, "/send", map[string]any{"body": "a secret message"})
		require.Equal(t, http.StatusBadRequest, res.Code)
		assert.Equal(t, "forbidden by filter id=1", res.Message)
		assert.Equal(t, 1, ts.sender.Len())
	})

	t.Run("queue full", func(t *testing.T) {
		res := ts.do(t, http.MethodPost, "/send", map[string]any{"body": "second"})
		require.Equal(t, http.StatusAccepted, res.Code)

		res = ts.do(t, http.MethodPost, "/send", map[string]any{"body": "third"})
		require.Equal(t, http.StatusTooManyRequests, res.Code)
		assert.Equal(t, "the queue is full", res.Message)
		assert.Equal(t, 2, ts.sender.Len())
	})

	t.Run("msgpack", func(t *testing.T) {
		ts := newTestServer(t, Options{})

		enc, err := msgpack.Marshal(sendRequest{Body: "hello"})
		require.NoError(t, err)

		res := ts.do(t, http.MethodPost, "/send", enc,
			headerContentType, contentTypeMsgpack,
			headerAccept, contentTypeMsgpack,
		)
		require.Equal(t, http.StatusAccepted, res.Code)
		assert.Equal(t, contentTypeMsgpack, res.Header.Get(headerContentType))
		assert.Equal(t, 1, ts.sender.Len())
	})

	t.Run("body too large", func(t *testing.T) {
		ts := newTestServer(t, Options{MaxBodySize: 16})

		res := ts.do(t, http.MethodPost, "/send", map[string]any{"body": strings.Repeat("x", 64)})
		require.Equal(t, http.StatusRequestEntityTooLarge, res.Code)
		assert.Equal(t, 0, ts.sender.Len())
	})
}

func TestSendBodyValues(t *testing.T) {
	t.Run("empty string", func(t *testing.T) {
		ts := newTestServer(t, Options{})

		res := ts.do(t, http.MethodPost, "/send", `{"body": ""}`)
		require.Equal(t, http.StatusAccepted, res.Code)
		assert.JSONEq(t, `{}`, string(res.Body))
		assert.Equal(t, 1, ts.sender.Len())
	})

	t.Run("non-string values are sent as JSON", func(t *testing.T) {
		ts := newTestServer(t, Options{})

		res := ts.do(t, http.MethodPost, "/send", `{"body": 123}`)
		require.Equal(t, http.StatusAccepted, res.Code)
		assert.Equal(t, 1, ts.sender.Len())

		// The filter sees the encoded value
		_, err := ts.filters.Add(`^\{"n":1\}$`)
		require.NoError(t, err)
		res = ts.do(t, http.MethodPost, "/send", `{"body": {"n": 1}}`)
		require.Equal(t, http.StatusBadRequest, res.Code)
		assert.Equal(t, "forbidden by filter id=1", res.Message)
		assert.Equal(t, 1, ts.sender.Len())
	})

	t.Run("msgpack binary", func(t *testing.T) {
		ts := newTestServer(t, Options{})

		enc, err := msgpack.Marshal(map[string]any{"body": []byte{}})
		require.NoError(t, err)

		res := ts.do(t, http.MethodPost, "/send", enc, headerContentType, contentTypeMsgpack)
		require.Equal(t, http.StatusAccepted, res.Code)
		assert.Equal(t, 1, ts.sender.Len())
	})
}

func TestFilters(t *testing.T) {
	ts := newTestServer(t, Options{})

	t.Run("add", func(t *testing.T) {
		res := ts.do(t, http.MethodPost, "/filters", map[string]any{"pattern": "^spam"})
		require.Equal(t, http.StatusOK, res.Code)
		assert.JSONEq(t, `{"id":1,"pattern":"^spam"}`, string(res.Body))

		res = ts.do(t, http.MethodPost, "/filters", map[string]any{"pattern": "eggs"})
		require.Equal(t, http.StatusOK, res.Code)
		assert.JSONEq(t, `{"id":2,"pattern":"eggs"}`, string(res.Body))

		assert.Len(t, ts.logs.FindLogRecords(t, "Added filter"), 2)
	})

	t.Run("add missing pattern", func(t *testing.T) {
		res := ts.do(t, http.MethodPost, "/filters", map[string]any{})
		require.Equal(t, http.StatusBadRequest, res.Code)
		assert.Equal(t, `field "pattern" is missing from request`, res.Message)
	})

	t.Run("add invalid pattern", func(t *testing.T) {
		res := ts.do(t, http.MethodPost, "/filters", map[string]any{"pattern": "(unclosed"})
		require.Equal(t, http.StatusBadRequest, res.Code)
		assert.Contains(t, res.Message, "missing closing )")
	})

	t.Run("list", func(t *testing.T) {
		res := ts.do(t, http.MethodGet, "/filters", nil)
		require.Equal(t, http.StatusOK, res.Code)
		assert.JSONEq(t, `[{"id":1,"pattern":"^spam"},{"id":2,"pattern":"eggs"}]`, string(res.Body))
	})

	t.Run("get", func(t *testing.T) {
		res := ts.do(t, http.MethodGet, "/filters/2", nil)
		require.Equal(t, http.StatusOK, res.Code)
		assert.JSONEq(t, `{"id":2,"pattern":"eggs"}`, string(res.Body))

		res = ts.do(t, http.MethodGet, "/filters/42", nil)
		require.Equal(t, http.StatusNotFound, res.Code)
		assert.Equal(t, "no filter with id=42", res.Message)

		res = ts.do(t, http.MethodGet, "/filters/abc", nil)
		require.Equal(t, http.StatusNotFound, res.Code)
	})

	t.Run("delete", func(t *testing.T) {
		res := ts.do(t, http.MethodDelete, "/filters/1", nil)
		require.Equal(t, http.StatusNoContent, res.Code)
		assert.Empty(t, res.Body)

		res = ts.do(t, http.MethodDelete, "/filters/1", nil)
		require.Equal(t, http.StatusNotFound, res.Code)

		res = ts.do(t, http.MethodGet, "/filters", nil)
		require.Equal(t, http.StatusOK, res.Code)
		assert.JSONEq(t, `[{"id":2,"pattern":"eggs"}]`, string(res.Body))
	})

	t.Run("list empty", func(t *testing.T) {
		ts := newTestServer(t, Options{})
		res := ts.do(t, http.MethodGet, "/filters", nil)
		require.Equal(t, http.StatusOK, res.Code)
		assert.JSONEq(t, `[]`, string(res.Body))
	})
}

func TestDeadLetters(t *testing.T) {
	ts := newTestServer(t, Options{})

	now := time.Now().UTC()
	entries := make([]*deadletter.Entry, 3)
	for i := range entries {
		entries[i] = &deadletter.Entry{
			MessageID: "msg",
			Body:      []byte("body " + string(rune('a'+i))),
			Attempts:  3,
			LastError: "connection refused",
			QueuedAt:  now,
			FailedAt:  now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, ts.deadLetter.Add(t.Context(), entries[i]))
	}

	t.Run("list", func(t *testing.T) {
		res := ts.do(t, http.MethodGet, "/deadletters", nil)
		require.Equal(t, http.StatusOK, res.Code)

		var list []deadletter.Entry
		require.NoError(t, json.Unmarshal(res.Body, &list))
		require.Len(t, list, 3)
		assert.Equal(t, entries[2].ID, list[0].ID)
		assert.Equal(t, []byte("body c"), list[0].Body)

		res = ts.do(t, http.MethodGet, "/deadletters?limit=1", nil)
		require.Equal(t, http.StatusOK, res.Code)
		require.NoError(t, json.Unmarshal(res.Body, &list))
		require.Len(t, list, 1)

		res = ts.do(t, http.MethodGet, "/deadletters?limit=-1", nil)
		require.Equal(t, http.StatusBadRequest, res.Code)
	})

	t.Run("get", func(t *testing.T) {
		res := ts.do(t, http.MethodGet, "/deadletters/"+entries[0].ID, nil)
		require.Equal(t, http.StatusOK, res.Code)

		var entry deadletter.Entry
		require.NoError(t, json.Unmarshal(res.Body, &entry))
		assert.Equal(t, entries[0].ID, entry.ID)
		assert.Equal(t, "connection refused", entry.LastError)

		res = ts.do(t, http.MethodGet, "/deadletters/missing", nil)
		require.Equal(t, http.StatusNotFound, res.Code)
	})

	t.Run("replay", func(t *testing.T) {
		res := ts.do(t, http.MethodPost, "/deadletters/"+entries[0].ID+"/replay", nil)
		require.Equal(t, http.StatusAccepted, res.Code)
		assert.Equal(t, 1, ts.sender.Len())

		_, err := ts.deadLetter.Get(t.Context(), entries[0].ID)
		require.ErrorIs(t, err, deadletter.ErrNotFound)

		res = ts.do(t, http.MethodPost, "/deadletters/"+entries[0].ID+"/replay", nil)
		require.Equal(t, http.StatusNotFound, res.Code)
	})

	t.Run("replay with full queue keeps the entry", func(t *testing.T) {
		require.NoError(t, ts.sender.Accept([]byte("filler")))
		require.Equal(t, 2, ts.sender.Len())

		res := ts.do(t, http.MethodPost, "/deadletters/"+entries[1].ID+"/replay", nil)
		require.Equal(t, http.StatusTooManyRequests, res.Code)

		_, err := ts.deadLetter.Get(t.Context(), entries[1].ID)
		require.NoError(t, err)
	})

	t.Run("delete", func(t *testing.T) {
		res := ts.do(t, http.MethodDelete, "/deadletters/"+entries[2].ID, nil)
		require.Equal(t, http.StatusNoContent, res.Code)

		res = ts.do(t, http.MethodDelete, "/deadletters/"+entries[2].ID, nil)
		require.Equal(t, http.StatusNotFound, res.Code)
	})

	t.Run("store not enabled", func(t *testing.T) {
		ts := newTestServer(t, Options{})
		ts.srv.deadLetter = nil

		for _, r := range []struct{ method, path string }{
			{http.MethodGet, "/deadletters"},
			{http.MethodGet, "/deadletters/abc"},
			{http.MethodDelete, "/deadletters/abc"},
			{http.MethodPost, "/deadletters/abc/replay"},
		} {
			res := ts.do(t, r.method, r.path, nil)
			require.Equal(t, http.StatusNotFound, res.Code, "%s %s", r.method, r.path)
			assert.Equal(t, "dead-letter store is not enabled", res.Message)
		}
	})
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Add(ctx context.Context, entry *deadletter.Entry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *mockStore) Get(ctx context.Context, id string) (*deadletter.Entry, error) {
	args := m.Called(ctx, id)
	entry, _ := args.Get(0).(*deadletter.Entry)
	return entry, args.Error(1)
}

func (m *mockStore) List(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	args := m.Called(ctx, opts)
	list, _ := args.Get(0).([]*deadletter.Entry)
	return list, args.Error(1)
}

func (m *mockStore) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) Take(ctx context.Context, id string, fn func(entry *deadletter.Entry) error) error {
	return m.Called(ctx, id, fn).Error(0)
}

func (m *mockStore) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func TestDeadLetterStoreFailures(t *testing.T) {
	errStore := errors.New("database is on fire")
	store := &mockStore{}
	store.
		On("List", mock.MatchedBy(testutil.MatchContextInterface), deadletter.ListOpts{Limit: 5}).
		Return(nil, errStore).
		Once()
	store.
		On("Get", mock.MatchedBy(testutil.MatchContextInterface), "abc").
		Return(nil, errStore).
		Once()
	store.
		On("Take", mock.MatchedBy(testutil.MatchContextInterface), "abc", mock.Anything).
		Return(errStore).
		Once()

	ts := newTestServer(t, Options{DeadLetter: store})

	res := ts.do(t, http.MethodGet, "/deadletters?limit=5", nil)
	require.Equal(t, http.StatusInternalServerError, res.Code)
	assert.Equal(t, "dead-letter store failed", res.Message)

	res = ts.do(t, http.MethodGet, "/deadletters/abc", nil)
	require.Equal(t, http.StatusInternalServerError, res.Code)

	res = ts.do(t, http.MethodPost, "/deadletters/abc/replay", nil)
	require.Equal(t, http.StatusInternalServerError, res.Code)

	store.AssertExpectations(t)

	// Store errors are logged
	recs := ts.logs.FindLogRecords(t, "Dead-letter store error")
	require.Len(t, recs, 3)
	assert.Equal(t, "database is on fire", recs[0]["error"])
}

func TestStatsAndHealth(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	ts := newTestServer(t, Options{MetricsHandler: metricsHandler})
	require.NoError(t, ts.sender.Accept([]byte("hello")))

	res := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusNoContent, res.Code)

	res = ts.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{"queueSize":1,"queueCapacity":2,"filters":0}`, string(res.Body))

	res = ts.do(t, http.MethodGet, "/stats", nil, headerAccept, "text/html, application/msgpack;q=0.9")
	require.Equal(t, http.StatusOK, res.Code)
	var stats statsResponse
	require.NoError(t, msgpack.Unmarshal(res.Body, &stats))
	assert.Equal(t, 1, stats.QueueSize)

	res = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "# metrics", string(res.Body))
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, Options{Auth: &apiauth.SharedKey{Key: "0123456789abcdef"}})

	// Health checks don't require authorization
	res := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusNoContent, res.Code)

	res = ts.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, "request is not authorized", res.Message)
	assert.Equal(t, "Bearer", res.Header.Get("WWW-Authenticate"))

	res = ts.do(t, http.MethodPost, "/send", map[string]any{"body": "hello"}, "Authorization", "Bearer wrong-key-wrong-key")
	require.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, 0, ts.sender.Len())

	res = ts.do(t, http.MethodPost, "/send", map[string]any{"body": "hello"}, "Authorization", "Bearer 0123456789abcdef")
	require.Equal(t, http.StatusAccepted, res.Code)
	assert.Equal(t, 1, ts.sender.Len())
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	s, err := sender.New(sender.BoolTransport(func([]byte) bool { return true }))
	require.NoError(t, err)
	defer s.Close()

	_, err = New(Options{Sender: s, HTTP3: true})
	require.ErrorContains(t, err, "requires TLSConfig")

	_, err = New(Options{Sender: s, Auth: &apiauth.SharedKey{Key: "short"}})
	require.ErrorContains(t, err, "invalid authentication method")
}

func TestRun(t *testing.T) {
	runServer := func(t *testing.T, opts Options) (baseURL string, stop func()) {
		t.Helper()

		ts := newTestServer(t, opts)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(t.Context())
		errCh := make(chan error, 1)
		go func() {
			errCh <- ts.srv.serve(ctx, ln)
		}()

		scheme := "http"
		if opts.TLSConfig != nil {
			scheme = "https"
		}
		return scheme + "://" + ln.Addr().String(), func() {
			cancel()
			select {
			case err := <-errCh:
				require.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Fatal("Server did not stop in 10s")
			}
		}
	}

	t.Run("plain HTTP", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		baseURL, stop := runServer(t, Options{})
		defer stop()

		client := &http.Client{Transport: &http.Transport{}}
		defer client.CloseIdleConnections()

		res, err := client.Get(baseURL + "/healthz")
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusNoContent, res.StatusCode)
	})

	t.Run("TLS and HTTP/3", func(t *testing.T) {
		serverTLS, err := tlsconfig.ServerOptions{HTTP3: true}.ServerConfig()
		require.NoError(t, err)

		baseURL, stop := runServer(t, Options{TLSConfig: serverTLS, HTTP3: true})
		defer stop()

		// Over TCP the response advertises HTTP/3
		client := &http.Client{Transport: &http.Transport{
			// #nosec G402
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}}
		defer client.CloseIdleConnections()

		res, err := client.Get(baseURL + "/healthz")
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusNoContent, res.StatusCode)
		assert.Contains(t, res.Header.Get("Alt-Svc"), "h3=")

		// Connect with HTTP/3
		clientTLS, err := tlsconfig.ClientOptions{HTTP3: true, InsecureSkipVerify: true}.ClientConfig()
		require.NoError(t, err)
		h3 := &http3.Transport{TLSClientConfig: clientTLS}
		defer h3.Close()

		var res3 *http.Response
		assert.EventuallyWithT(t, func(c *assert.CollectT) {
			var err error
			res3, err = (&http.Client{Transport: h3, Timeout: 2 * time.Second}).Get(baseURL + "/stats")
			assert.NoError(c, err)
		}, 10*time.Second, 100*time.Millisecond)
		require.NotNil(t, res3)
		defer res3.Body.Close()
		assert.Equal(t, http.StatusOK, res3.StatusCode)
		assert.Equal(t, 3, res3.ProtoMajor)
	})
}
