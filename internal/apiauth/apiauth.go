// Package apiauth contains the methods used to authenticate HTTP requests, both those received by the API server and those sent to webhooks.
package apiauth

import (
	"net/http"
)

// Method is implemented by all authentication methods.
type Method interface {
	// Validate the configuration of the method
	Validate() error

	// UpdateRequest adds credentials to an outgoing request
	UpdateRequest(r *http.Request) error

	// ValidateIncomingRequest checks if the incoming request is authorized
	ValidateIncomingRequest(r *http.Request) (bool, error)
}
