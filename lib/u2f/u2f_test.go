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

package u2f_test

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/u2fval/lib/api"
	"github.com/gravitational/u2fval/lib/u2f"
	"github.com/gravitational/u2fval/lib/u2f/u2ftest"
)

const (
	testAppID = "https://example.com"
	testFacet = "https://example.com"
)

var testFacets = []string{testFacet}

func register(t *testing.T, token *u2ftest.Token, challenge []byte) *u2f.Registration {
	t.Helper()
	resp, err := token.Register(&api.RegisterRequestMessage{
		AppID: testAppID,
		RegisterRequests: []api.RegisterRequest{{
			Version:   api.U2FVersion,
			Challenge: u2f.EncodeKey(challenge),
		}},
	}, testFacet)
	require.NoError(t, err)

	reg, err := u2f.VerifyRegistration(*resp, u2f.NewChallenge(testAppID, testFacets, challenge))
	require.NoError(t, err)
	return reg
}

func TestRegistrationRoundtrip(t *testing.T) {
	token, err := u2ftest.NewToken(nil)
	require.NoError(t, err)
	challenge, err := u2f.RandomChallenge()
	require.NoError(t, err)

	reg := register(t, token, challenge)
	assert.Equal(t, token.KeyHandle, reg.KeyHandle)
	require.NotNil(t, reg.AttestationCert)
	assert.Equal(t, token.Attestation.Cert, reg.AttestationCert.Raw)

	// The stored binding parses back to the same registration.
	parsed, err := u2f.ParseRegistration(reg.Raw)
	require.NoError(t, err)
	assert.Equal(t, reg.KeyHandle, parsed.KeyHandle)
}

func TestVerifyRegistrationRejects(t *testing.T) {
	token, err := u2ftest.NewToken(nil)
	require.NoError(t, err)
	challenge, err := u2f.RandomChallenge()
	require.NoError(t, err)

	resp, err := token.Register(&api.RegisterRequestMessage{
		AppID: testAppID,
		RegisterRequests: []api.RegisterRequest{{
			Version:   api.U2FVersion,
			Challenge: u2f.EncodeKey(challenge),
		}},
	}, testFacet)
	require.NoError(t, err)

	t.Run("wrong version", func(t *testing.T) {
		bad := *resp
		bad.Version = "U2F_V1"
		_, err := u2f.VerifyRegistration(bad, u2f.NewChallenge(testAppID, testFacets, challenge))
		require.Error(t, err)
	})
	t.Run("wrong challenge", func(t *testing.T) {
		other, err := u2f.RandomChallenge()
		require.NoError(t, err)
		_, err = u2f.VerifyRegistration(*resp, u2f.NewChallenge(testAppID, testFacets, other))
		require.Error(t, err)
	})
	t.Run("untrusted facet", func(t *testing.T) {
		_, err := u2f.VerifyRegistration(*resp,
			u2f.NewChallenge(testAppID, []string{"https://evil.example.com"}, challenge))
		require.Error(t, err)
	})
	t.Run("garbage registration data", func(t *testing.T) {
		bad := *resp
		bad.RegistrationData = u2f.EncodeKey([]byte("junk"))
		_, err := u2f.VerifyRegistration(bad, u2f.NewChallenge(testAppID, testFacets, challenge))
		require.Error(t, err)
	})
}

func sign(t *testing.T, token *u2ftest.Token, reg *u2f.Registration, challenge []byte) *api.SignResponse {
	t.Helper()
	resp, err := token.Sign(&api.SignRequestMessage{
		AppID:     testAppID,
		Challenge: u2f.EncodeKey(challenge),
		RegisteredKeys: []api.RegisteredKey{{
			Version:   api.U2FVersion,
			KeyHandle: u2f.EncodeKey(reg.KeyHandle),
		}},
	}, testFacet)
	require.NoError(t, err)
	return resp
}

func TestVerifyAssertion(t *testing.T) {
	token, err := u2ftest.NewToken(nil)
	require.NoError(t, err)
	challenge, err := u2f.RandomChallenge()
	require.NoError(t, err)
	reg := register(t, token, challenge)

	signChallenge, err := u2f.RandomChallenge()
	require.NoError(t, err)
	token.SetCounter(41)
	resp := sign(t, token, reg, signChallenge)

	assertion, err := u2f.VerifyAssertion(reg, testAppID, testFacets, signChallenge, *resp)
	require.NoError(t, err)
	assert.Equal(t, uint32(41), assertion.Counter)
	assert.EqualValues(t, 1, assertion.Presence)
}

func TestVerifyAssertionRejects(t *testing.T) {
	token, err := u2ftest.NewToken(nil)
	require.NoError(t, err)
	challenge, err := u2f.RandomChallenge()
	require.NoError(t, err)
	reg := register(t, token, challenge)

	signChallenge, err := u2f.RandomChallenge()
	require.NoError(t, err)
	resp := sign(t, token, reg, signChallenge)

	t.Run("key handle mismatch", func(t *testing.T) {
		bad := *resp
		bad.KeyHandle = u2f.EncodeKey([]byte("other-handle"))
		_, err := u2f.VerifyAssertion(reg, testAppID, testFacets, signChallenge, bad)
		require.Error(t, err)
	})
	t.Run("wrong challenge", func(t *testing.T) {
		other, err := u2f.RandomChallenge()
		require.NoError(t, err)
		_, err = u2f.VerifyAssertion(reg, testAppID, testFacets, other, *resp)
		require.Error(t, err)
	})
	t.Run("untrusted facet", func(t *testing.T) {
		_, err := u2f.VerifyAssertion(reg, testAppID, []string{"https://evil.example.com"}, signChallenge, *resp)
		require.Error(t, err)
	})
	t.Run("tampered signature", func(t *testing.T) {
		sigData, err := u2f.DecodeKey(resp.SignatureData)
		require.NoError(t, err)
		sigData[len(sigData)-1] ^= 0xff
		bad := *resp
		bad.SignatureData = u2f.EncodeKey(sigData)
		_, err = u2f.VerifyAssertion(reg, testAppID, testFacets, signChallenge, bad)
		require.Error(t, err)
	})
	t.Run("truncated signature data", func(t *testing.T) {
		bad := *resp
		bad.SignatureData = u2f.EncodeKey([]byte{0x01, 0x00})
		_, err := u2f.VerifyAssertion(reg, testAppID, testFacets, signChallenge, bad)
		require.Error(t, err)
	})
	t.Run("wrong app id", func(t *testing.T) {
		_, err := u2f.VerifyAssertion(reg, "https://other.example.com", testFacets, signChallenge, *resp)
		require.Error(t, err)
	})
}

func TestTokenRefusesDuplicateEnrollment(t *testing.T) {
	token, err := u2ftest.NewToken(nil)
	require.NoError(t, err)
	challenge, err := u2f.RandomChallenge()
	require.NoError(t, err)
	reg := register(t, token, challenge)

	_, err = token.Register(&api.RegisterRequestMessage{
		AppID: testAppID,
		RegisterRequests: []api.RegisterRequest{{
			Version:   api.U2FVersion,
			Challenge: u2f.EncodeKey(challenge),
		}},
		RegisteredKeys: []api.RegisteredKey{{
			Version:   api.U2FVersion,
			KeyHandle: u2f.EncodeKey(reg.KeyHandle),
		}},
	}, testFacet)
	require.True(t, trace.IsAlreadyExists(err))
}

func TestChallengeFromClientData(t *testing.T) {
	token, err := u2ftest.NewToken(nil)
	require.NoError(t, err)
	challenge, err := u2f.RandomChallenge()
	require.NoError(t, err)

	resp, err := token.Register(&api.RegisterRequestMessage{
		AppID: testAppID,
		RegisterRequests: []api.RegisterRequest{{
			Version:   api.U2FVersion,
			Challenge: u2f.EncodeKey(challenge),
		}},
	}, testFacet)
	require.NoError(t, err)

	got, err := u2f.ChallengeFromClientData(resp.ClientData)
	require.NoError(t, err)
	assert.Equal(t, challenge, got)

	_, err = u2f.ChallengeFromClientData("not base64 json!!")
	require.Error(t, err)
}

func TestKeyEncoding(t *testing.T) {
	b := []byte{0x00, 0x01, 0xfe, 0xff}
	encoded := u2f.EncodeKey(b)
	assert.NotContains(t, encoded, "=")

	decoded, err := u2f.DecodeKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, b, decoded)

	// Padded input is tolerated.
	decoded, err = u2f.DecodeKey("AAH-_w==")
	require.NoError(t, err)
	assert.Equal(t, b, decoded)

	_, err = u2f.DecodeKey("not base64!!")
	require.Error(t, err)
}
