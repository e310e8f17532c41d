/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/u2fval/lib/api"
	"github.com/gravitational/u2fval/lib/defaults"
)

// Client is a relying party tenant.
type Client struct {
	ID          int64
	Name        string
	AppID       string
	ValidFacets []string
}

// User is an end-user scoped to one client. The name is an opaque
// identifier supplied by the relying party.
type User struct {
	ID       int64
	ClientID int64
	Name     string
}

// Certificate is a vendor attestation certificate, deduplicated across
// devices by fingerprint.
type Certificate struct {
	ID          int64
	Fingerprint string
	DER         []byte
}

// Device is a registered security key.
type Device struct {
	ID            int64
	Handle        string
	UserID        int64
	BindData      []byte
	CertificateID int64
	Compromised   bool
	// Counter is nil until the first successful sign.
	Counter    *uint32
	Transports api.Transport
	CreatedAt  time.Time
	// AuthenticatedAt is nil until the first successful sign.
	AuthenticatedAt *time.Time
	Properties      map[string]string
}

// Transaction is a pending ceremony, joined with its owning user for the
// cross-tenant check.
type Transaction struct {
	ID            int64
	UserID        int64
	UserName      string
	ClientID      int64
	TransactionID string
	Data          []byte
	CreatedAt     time.Time
}

// Fingerprint computes the canonical fingerprint of a DER encoded
// certificate: lowercase hex SHA-256.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

var (
	clientNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,40}$`)
	handlePattern     = regexp.MustCompile(`^[a-f0-9]{32}$`)
)

// ValidHandle reports whether a string is syntactically a device handle.
func ValidHandle(handle string) bool {
	return handlePattern.MatchString(handle)
}

// ValidateUserName checks the opaque user identifier supplied by a
// client. Over-long names are rejected rather than hashed.
func ValidateUserName(name string) error {
	if name == "" {
		return trace.BadParameter("missing user name")
	}
	if len(name) > defaults.MaxNameLength {
		return trace.BadParameter("user name exceeds %v bytes", defaults.MaxNameLength)
	}
	return nil
}

// ValidateClient checks client attributes ahead of create or update.
func ValidateClient(name, appID string, facets []string) error {
	if !clientNamePattern.MatchString(name) {
		return trace.BadParameter("invalid client name %q", name)
	}
	if err := validateFacetURL(appID); err != nil {
		return trace.Wrap(err, "invalid appId")
	}
	if len(facets) == 0 {
		return trace.BadParameter("at least one valid facet is required")
	}
	for _, facet := range facets {
		if err := validateFacetURL(facet); err != nil {
			return trace.Wrap(err, "invalid facet")
		}
	}
	return nil
}

func validateFacetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return trace.BadParameter("%q: %v", raw, err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return trace.BadParameter("%q is not an absolute http(s) URL", raw)
	}
	return nil
}
