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

// Package u2f implements the server side primitives of the FIDO U2F 1.2
// protocol on top of github.com/tstranex/u2f: challenge minting, client
// data parsing, registration verification and raw signature verification.
package u2f

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	"github.com/tstranex/u2f"

	"github.com/gravitational/u2fval/lib/api"
	"github.com/gravitational/u2fval/lib/defaults"
)

// Client data type values fixed by the U2F raw message format
// specification.
const (
	clientDataTypeRegister = "navigator.id.finishEnrollment"
	clientDataTypeSign     = "navigator.id.getAssertion"
)

// Registration is the opaque binding produced by a successful
// registration. Its binary form is the raw registration response message,
// which is sufficient to verify subsequent signatures.
type Registration = u2f.Registration

// ClientData is the JSON object a U2F client signs over.
type ClientData = u2f.ClientData

// RandomChallenge mints a fresh random challenge.
func RandomChallenge() ([]byte, error) {
	challenge := make([]byte, defaults.ChallengeLength)
	if _, err := rand.Read(challenge); err != nil {
		return nil, trace.Wrap(err)
	}
	return challenge, nil
}

// EncodeKey encodes bytes in the websafe base64 alphabet used throughout
// the U2F wire protocol.
func EncodeKey(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeKey reverses EncodeKey, tolerating padded input.
func DecodeKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, trace.BadParameter("invalid websafe base64 encoding")
}

// NewChallenge builds a challenge bound to the given application and
// facets over caller-supplied challenge bytes.
func NewChallenge(appID string, trustedFacets []string, challenge []byte) *u2f.Challenge {
	return &u2f.Challenge{
		Challenge:     challenge,
		Timestamp:     time.Now(),
		AppID:         appID,
		TrustedFacets: trustedFacets,
	}
}

// ParseClientData decodes websafe base64 encoded client data and returns
// both the parsed object and the raw bytes the client signed over.
func ParseClientData(encoded string) (*ClientData, []byte, error) {
	raw, err := DecodeKey(encoded)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	var cd ClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return nil, nil, trace.BadParameter("invalid client data: %v", err)
	}
	return &cd, raw, nil
}

// ChallengeFromClientData extracts the raw challenge bytes committed to
// by a client response, used to look up the pending ceremony.
func ChallengeFromClientData(encoded string) ([]byte, error) {
	cd, _, err := ParseClientData(encoded)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	challenge, err := DecodeKey(cd.Challenge)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return challenge, nil
}

// VerifyRegistration checks a registration response against the pending
// challenge and returns the parsed registration. The attestation trust
// decision is not made here; the caller resolves the certificate against
// its metadata set.
func VerifyRegistration(resp api.RegisterResponse, challenge *u2f.Challenge) (*Registration, error) {
	if resp.Version != "" && resp.Version != api.U2FVersion {
		return nil, trace.BadParameter("unsupported U2F version %q", resp.Version)
	}
	cd, _, err := ParseClientData(resp.ClientData)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cd.Typ != clientDataTypeRegister {
		return nil, trace.BadParameter("invalid client data type %q", cd.Typ)
	}
	reg, err := u2f.Register(u2f.RegisterResponse{
		Version:          api.U2FVersion,
		RegistrationData: resp.RegistrationData,
		ClientData:       resp.ClientData,
	}, *challenge, &u2f.Config{
		// The trust decision is made against the attestation metadata
		// set, not a static root pool.
		SkipAttestationVerify: true,
	})
	if err != nil {
		return nil, trace.BadParameter("registration verification failed: %v", err)
	}
	return reg, nil
}

// ParseRegistration decodes a stored registration binding.
func ParseRegistration(bindData []byte) (*Registration, error) {
	var reg Registration
	if err := reg.UnmarshalBinary(bindData); err != nil {
		return nil, trace.BadParameter("invalid registration data: %v", err)
	}
	return &reg, nil
}
