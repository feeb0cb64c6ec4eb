package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italypaleale/courier/internal/apiauth"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{name: "valid", opts: Options{URL: "http://localhost:8080/hook"}},
		{name: "missing URL", opts: Options{}, wantErr: "webhook URL is required"},
		{name: "invalid scheme", opts: Options{URL: "ftp://localhost/hook"}, wantErr: "http or https scheme"},
		{name: "HTTP/3 requires https", opts: Options{URL: "http://localhost/hook", HTTP3: true}, wantErr: "https scheme with HTTP/3"},
		{name: "HTTP/3", opts: Options{URL: "https://localhost/hook", HTTP3: true}},
		{name: "invalid auth", opts: Options{URL: "http://localhost/hook", Auth: &apiauth.SharedKey{}}, wantErr: "invalid authentication method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := New(tt.opts)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultContentType, tr.contentType)
			assert.Equal(t, DefaultTimeout, tr.client.Timeout)
			require.NoError(t, tr.Close())
		})
	}
}

func TestSend(t *testing.T) {
	type request struct {
		method      string
		contentType string
		body        string
	}
	received := make(chan request, 1)
	var status atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- request{
			method:      r.Method,
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
		}
		code := int(status.Load())
		w.WriteHeader(code)
		if code >= 300 {
			_, _ = w.Write([]byte("something went wrong\n"))
		}
	}))
	defer srv.Close()

	tr, err := New(Options{URL: srv.URL, ContentType: "text/plain"})
	require.NoError(t, err)
	defer tr.Close()

	t.Run("delivered", func(t *testing.T) {
		status.Store(http.StatusNoContent)
		require.NoError(t, tr.Send(t.Context(), []byte("hello")))

		req := <-received
		assert.Equal(t, http.MethodPost, req.method)
		assert.Equal(t, "text/plain", req.contentType)
		assert.Equal(t, "hello", req.body)
	})

	t.Run("error status", func(t *testing.T) {
		status.Store(http.StatusBadGateway)
		err := tr.Send(t.Context(), []byte("hello"))
		<-received

		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
		assert.Equal(t, "something went wrong", statusErr.Body)
		assert.Equal(t, "webhook responded with status code 502: something went wrong", err.Error())
	})

	t.Run("context canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		err := tr.Send(ctx, []byte("hello"))
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestSendWithAuth(t *testing.T) {
	key := &apiauth.SharedKey{Key: "0123456789abcdef"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, _ := key.ValidateIncomingRequest(r)
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, err := New(Options{URL: srv.URL, Auth: key})
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.Send(t.Context(), []byte("hello")))

	noAuth, err := New(Options{URL: srv.URL})
	require.NoError(t, err)
	defer noAuth.Close()

	var statusErr *StatusError
	require.ErrorAs(t, noAuth.Send(t.Context(), []byte("hello")), &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}

func TestSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr, err := New(Options{URL: url, Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer tr.Close()

	err = tr.Send(t.Context(), []byte("hello"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "request failed")
}
