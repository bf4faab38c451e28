package handler

import (
	"strings"

	"idlookup/internal/identity/models"
	dErrors "idlookup/pkg/domain-errors"
)

const (
	maxListEntries = 100
	maxValueLength = 1024
)

// Query shapes a lookup request resolves to, in dispatch order.
const (
	querySerialNumber    = "serial_number"
	queryAttribute       = "attribute"
	queryCertificateType = "certificate_type"
	queryIdentityKey     = "identity_key"
	queryCertifier       = "certifier"
)

// LookupRequest is the HTTP request body for POST /lookup.
type LookupRequest struct {
	SerialNumber     string                    `json:"serialNumber,omitempty"`
	Attributes       models.IdentityAttributes `json:"attributes,omitempty"`
	Certifiers       []string                  `json:"certifiers,omitempty"`
	IdentityKey      string                    `json:"identityKey,omitempty"`
	CertificateTypes []string                  `json:"certificateTypes,omitempty"`

	// Populated by Validate
	query string
}

// Validate trims the request and picks the query shape it resolves to.
// Implements the Validatable interface for httputil.DecodeAndPrepare.
func (r *LookupRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}

	// Size validation (fail fast)
	if len(r.Certifiers) > maxListEntries || len(r.CertificateTypes) > maxListEntries || len(r.Attributes) > maxListEntries {
		return dErrors.New(dErrors.CodeValidation, "too many lookup values")
	}
	if len(r.SerialNumber) > maxValueLength || len(r.IdentityKey) > maxValueLength {
		return dErrors.New(dErrors.CodeValidation, "lookup value too long")
	}
	for _, v := range r.Attributes {
		if len(v) > maxValueLength {
			return dErrors.New(dErrors.CodeValidation, "attribute value too long")
		}
	}

	r.SerialNumber = strings.TrimSpace(r.SerialNumber)
	r.IdentityKey = strings.TrimSpace(r.IdentityKey)

	switch {
	case r.SerialNumber != "":
		r.query = querySerialNumber
	case r.Attributes != nil:
		r.query = queryAttribute
	case r.IdentityKey != "" && len(r.CertificateTypes) > 0:
		r.query = queryCertificateType
	case r.IdentityKey != "":
		r.query = queryIdentityKey
	case len(r.Certifiers) > 0:
		r.query = queryCertifier
	default:
		return dErrors.New(dErrors.CodeBadRequest, "one of serialNumber, attributes, identityKey or certifiers is required")
	}
	return nil
}

// Query returns the query shape chosen by Validate.
func (r *LookupRequest) Query() string {
	return r.query
}
