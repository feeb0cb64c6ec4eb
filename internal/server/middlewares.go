package server

import (
	"net/http"
	"slices"

	"github.com/italypaleale/courier/internal/apiauth"
)

// Middleware type is a function that takes an http.Handler and returns another http.Handler
type Middleware func(next http.Handler) http.Handler

// Use applies middlewares to the handler
func Use(h http.Handler, middlewares ...Middleware) http.Handler {
	for _, middleware := range middlewares {
		h = middleware(h)
	}
	return h
}

// middlewareMaxBodySize is a middleware that limits the size of the request body
func middlewareMaxBodySize(maxSize int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}

// middlewareAltSvc is a middleware that advertises the HTTP/3 endpoint to clients
func middlewareAltSvc(setHeaders func(http.Header) error) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				_ = setHeaders(w.Header())
			}
			next.ServeHTTP(w, r)
		})
	}
}

// middlewareAuth is a middleware that rejects requests that are not authorized by the method
// Requests to the paths in skip are always allowed
func middlewareAuth(method apiauth.Method, skip ...string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(skip, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := method.ValidateIncomingRequest(r)
			if err != nil {
				errApiInternal.WriteResponse(w, r)
				return
			}
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				errApiUnauthorized.WriteResponse(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
