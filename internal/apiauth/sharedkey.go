package apiauth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

const (
	headerAuthorization = "Authorization"
	schemeBearer        = "Bearer"

	minSharedKeyLength = 16
)

// SharedKey authenticates requests with a pre-shared key, sent as a bearer token.
type SharedKey struct {
	Key string
}

func (p *SharedKey) Validate() error {
	if p.Key == "" {
		return errors.New("key is empty")
	}
	if len(p.Key) < minSharedKeyLength {
		return errors.New("key must be at least 16-characters long")
	}
	return nil
}

func (p *SharedKey) UpdateRequest(r *http.Request) error {
	r.Header.Set(headerAuthorization, schemeBearer+" "+p.Key)
	return nil
}

func (p *SharedKey) ValidateIncomingRequest(r *http.Request) (bool, error) {
	scheme, value, ok := strings.Cut(r.Header.Get(headerAuthorization), " ")
	if !ok || !strings.EqualFold(scheme, schemeBearer) {
		return false, nil
	}

	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(value)), []byte(p.Key)) == 1, nil
}
