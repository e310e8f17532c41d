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

package u2f

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"slices"

	"github.com/gravitational/trace"

	"github.com/gravitational/u2fval/lib/api"
)

// Assertion is the parsed and verified content of a sign response.
type Assertion struct {
	// Counter is the device usage counter at signing time. The caller is
	// responsible for comparing it against the stored counter; a
	// non-increasing value means the device was cloned.
	Counter uint32
	// Presence is the raw user presence byte. Zero means the token did
	// not test user presence.
	Presence byte
}

// VerifyAssertion verifies a sign response against a registration and the
// pending challenge at the raw message level.
//
// Signature verification is deliberately not delegated to
// tstranex/u2f.Registration.Authenticate: the engine needs the counter
// and presence byte regardless of their values so it can latch
// compromised devices and report presence failures distinctly.
func VerifyAssertion(reg *Registration, appID string, trustedFacets []string, challenge []byte, resp api.SignResponse) (*Assertion, error) {
	if resp.KeyHandle != EncodeKey(reg.KeyHandle) {
		return nil, trace.BadParameter("key handle mismatch")
	}

	cd, cdRaw, err := ParseClientData(resp.ClientData)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cd.Typ != clientDataTypeSign {
		return nil, trace.BadParameter("invalid client data type %q", cd.Typ)
	}
	if !slices.Contains(trustedFacets, cd.Origin) {
		return nil, trace.BadParameter("untrusted facet %q", cd.Origin)
	}
	want := EncodeKey(challenge)
	if subtle.ConstantTimeCompare([]byte(want), []byte(cd.Challenge)) != 1 {
		return nil, trace.BadParameter("challenge mismatch")
	}

	// Signature data layout, per the U2F raw message format: one byte of
	// user presence flags, a big-endian 32-bit counter, then an ASN.1
	// DER ECDSA signature.
	sigData, err := DecodeKey(resp.SignatureData)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(sigData) < 6 {
		return nil, trace.BadParameter("signature data too short")
	}
	presence := sigData[0]
	counter := binary.BigEndian.Uint32(sigData[1:5])
	signature := sigData[5:]

	appHash := sha256.Sum256([]byte(appID))
	cdHash := sha256.Sum256(cdRaw)

	signed := make([]byte, 0, len(appHash)+5+len(cdHash))
	signed = append(signed, appHash[:]...)
	signed = append(signed, sigData[:5]...)
	signed = append(signed, cdHash[:]...)
	digest := sha256.Sum256(signed)

	if !ecdsa.VerifyASN1(&reg.PubKey, digest[:], signature) {
		return nil, trace.BadParameter("signature verification failed")
	}

	return &Assertion{
		Counter:  counter,
		Presence: presence,
	}, nil
}
