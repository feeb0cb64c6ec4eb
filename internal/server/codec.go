package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	msgpack "github.com/vmihailenco/msgpack/v5"
)

const (
	headerContentType  = "Content-Type"
	headerAccept       = "Accept"
	contentTypeJSON    = "application/json"
	contentTypeMsgpack = "application/msgpack"
)

// readRequestBody decodes the request body as JSON or msgpack, depending on its Content-Type.
// It writes the error response if the body cannot be decoded, and returns false.
func readRequestBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	ct, _, _ := mime.ParseMediaType(r.Header.Get(headerContentType))

	var err error
	switch ct {
	case contentTypeMsgpack:
		dec := msgpack.GetDecoder()
		defer msgpack.PutDecoder(dec)
		dec.Reset(r.Body)
		err = dec.Decode(dest)
	case contentTypeJSON, "":
		err = json.NewDecoder(r.Body).Decode(dest)
	default:
		errApiReqContentType.WriteResponse(w, r)
		return false
	}

	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		errApiReqBodyTooLarge.WriteResponse(w, r)
		return false
	case err != nil:
		errApiReqBody.Clone(withInnerError(err)).WriteResponse(w, r)
		return false
	}

	return true
}

// wantsMsgpack returns true if the client accepts msgpack responses.
func wantsMsgpack(r *http.Request) bool {
	for _, v := range r.Header.Values(headerAccept) {
		for part := range strings.SplitSeq(v, ",") {
			mt, _, _ := mime.ParseMediaType(strings.TrimSpace(part))
			if mt == contentTypeMsgpack {
				return true
			}
		}
	}
	return false
}

// writeResponse encodes the value as msgpack or JSON, as requested by the client.
func writeResponse(w http.ResponseWriter, r *http.Request, status int, v any) error {
	if wantsMsgpack(r) {
		w.Header().Set(headerContentType, contentTypeMsgpack)
		w.WriteHeader(status)

		enc := msgpack.GetEncoder()
		defer msgpack.PutEncoder(enc)
		enc.Reset(w)
		return enc.Encode(v)
	}

	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
