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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/u2fval/lib/api"
	"github.com/gravitational/u2fval/lib/attestation"
	"github.com/gravitational/u2fval/lib/engine"
	"github.com/gravitational/u2fval/lib/storage"
	"github.com/gravitational/u2fval/lib/transaction"
	"github.com/gravitational/u2fval/lib/u2f/u2ftest"
)

const (
	testAppID  = "https://example.com"
	testFacet  = "https://example.com"
	testClient = "example"
)

type testServer struct {
	srv   *httptest.Server
	store *storage.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	store, err := storage.New(storage.Config{
		DatabaseURI: "sqlite:" + filepath.Join(t.TempDir(), "u2fval.db"),
		Clock:       clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Init(ctx))

	_, err = store.CreateClient(ctx, testClient, testAppID, []string{testFacet})
	require.NoError(t, err)

	txns, err := transaction.NewDBStore(transaction.DBConfig{Store: store})
	require.NoError(t, err)
	attestationSvc, err := attestation.New(attestation.Config{})
	require.NoError(t, err)
	eng, err := engine.New(engine.Config{
		Store:          store,
		Transactions:   txns,
		Attestation:    attestationSvc,
		AllowUntrusted: true,
		Clock:          clock,
	})
	require.NoError(t, err)

	handler, err := New(Config{Engine: eng, Store: store})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store}
}

// do issues a request as the test client and decodes the JSON response
// into out when out is non-nil.
func (s *testServer) do(t *testing.T, method, path string, body, out any) *http.Response {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("X-Remote-User", testClient)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out), "body: %s", data)
	}
	return resp
}

func (s *testServer) errorEnvelope(t *testing.T, method, path string, body any, wantStatus, wantCode int) map[string]any {
	t.Helper()
	var envelope map[string]any
	resp := s.do(t, method, path, body, &envelope)
	require.Equal(t, wantStatus, resp.StatusCode, "envelope: %v", envelope)
	assert.EqualValues(t, wantCode, envelope["errorCode"])
	assert.NotEmpty(t, envelope["errorMessage"])
	return envelope
}

func TestTrustedFacetsEndpoint(t *testing.T) {
	s := newTestServer(t)
	var resp api.TrustedFacetsResponse
	httpResp := s.do(t, http.MethodGet, "/", nil, &resp)
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	require.Len(t, resp.TrustedFacets, 1)
	assert.Equal(t, []string{testFacet}, resp.TrustedFacets[0].IDs)
}

func TestClientResolution(t *testing.T) {
	s := newTestServer(t)

	t.Run("missing principal", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var envelope map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
		assert.EqualValues(t, api.ErrorCodeBadInput, envelope["errorCode"])
	})

	t.Run("unknown client", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/", nil)
		require.NoError(t, err)
		req.Header.Set("X-Remote-User", "nonexistent")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestStaticClientMode(t *testing.T) {
	s := newTestServer(t)

	txns, err := transaction.NewDBStore(transaction.DBConfig{Store: s.store})
	require.NoError(t, err)
	attestationSvc, err := attestation.New(attestation.Config{})
	require.NoError(t, err)
	eng, err := engine.New(engine.Config{
		Store:          s.store,
		Transactions:   txns,
		Attestation:    attestationSvc,
		AllowUntrusted: true,
	})
	require.NoError(t, err)
	handler, err := New(Config{Engine: eng, Store: s.store, StaticClient: testClient})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	defer srv.Close()

	// No header required in static client mode.
	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// enroll drives a register ceremony through the HTTP API.
func (s *testServer) enroll(t *testing.T, user string, token *u2ftest.Token) api.DeviceDescriptor {
	t.Helper()
	var req api.RegisterRequestMessage
	httpResp := s.do(t, http.MethodGet, "/"+user+"/register", nil, &req)
	require.Equal(t, http.StatusOK, httpResp.StatusCode)

	resp, err := token.Register(&req, testFacet)
	require.NoError(t, err)

	var descriptor api.DeviceDescriptor
	httpResp = s.do(t, http.MethodPost, "/"+user+"/register",
		api.RegisterResponseData{RegisterResponse: *resp}, &descriptor)
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	return descriptor
}

func TestRegisterAndSignOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token, err := u2ftest.NewToken(nil)
	require.NoError(t, err)

	descriptor := s.enroll(t, "alice", token)
	assert.True(t, storage.ValidHandle(descriptor.Handle))
	assert.False(t, descriptor.Compromised)

	var signReq api.SignRequestMessage
	httpResp := s.do(t, http.MethodGet, "/alice/sign", nil, &signReq)
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	require.Len(t, signReq.RegisteredKeys, 1)

	signResp, err := token.Sign(&signReq, testFacet)
	require.NoError(t, err)

	var signed api.DeviceDescriptor
	httpResp = s.do(t, http.MethodPost, "/alice/sign",
		api.SignResponseData{SignResponse: *signResp}, &signed)
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	assert.Equal(t, descriptor.Handle, signed.Handle)
	assert.NotNil(t, signed.LastUsed)
}

func TestSignErrorEnvelopes(t *testing.T) {
	s := newTestServer(t)

	// NO_ELIGIBLE_DEVICES carries an empty descriptor list.
	envelope := s.errorEnvelope(t, http.MethodGet, "/nobody/sign", nil,
		http.StatusBadRequest, api.ErrorCodeNoEligibleDevices)
	data, ok := envelope["errorData"].([]any)
	require.True(t, ok)
	assert.Empty(t, data)

	// A replayed counter reports DEVICE_COMPROMISED with the descriptor.
	token, err := u2ftest.NewToken(nil)
	require.NoError(t, err)
	s.enroll(t, "alice", token)

	token.SetCounter(10)
	var signReq api.SignRequestMessage
	s.do(t, http.MethodGet, "/alice/sign", nil, &signReq)
	signResp, err := token.Sign(&signReq, testFacet)
	require.NoError(t, err)
	var signed api.DeviceDescriptor
	resp := s.do(t, http.MethodPost, "/alice/sign",
		api.SignResponseData{SignResponse: *signResp}, &signed)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token.SetCounter(3)
	s.do(t, http.MethodGet, "/alice/sign", nil, &signReq)
	signResp, err = token.Sign(&signReq, testFacet)
	require.NoError(t, err)
	envelope = s.errorEnvelope(t, http.MethodPost, "/alice/sign",
		api.SignResponseData{SignResponse: *signResp},
		http.StatusBadRequest, api.ErrorCodeDeviceCompromised)
	descriptor, ok := envelope["errorData"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, descriptor["compromised"])
}

func TestTransactionNotFoundOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token, err := u2ftest.NewToken(nil)
	require.NoError(t, err)

	var req api.RegisterRequestMessage
	s.do(t, http.MethodGet, "/alice/register", nil, &req)
	resp, err := token.Register(&req, testFacet)
	require.NoError(t, err)

	body := api.RegisterResponseData{RegisterResponse: *resp}
	var descriptor api.DeviceDescriptor
	httpResp := s.do(t, http.MethodPost, "/alice/register", body, &descriptor)
	require.Equal(t, http.StatusOK, httpResp.StatusCode)

	// Replay of a consumed transaction.
	s.errorEnvelope(t, http.MethodPost, "/alice/register", body,
		http.StatusNotFound, api.ErrorCodeNotFound)
}

func TestDeviceAdministrationOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token, err := u2ftest.NewToken(nil)
	require.NoError(t, err)
	descriptor := s.enroll(t, "alice", token)

	var listed []api.DeviceDescriptor
	resp := s.do(t, http.MethodGet, "/alice", nil, &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed, 1)

	// An unknown user lists as empty, not 404.
	resp = s.do(t, http.MethodGet, "/nobody", nil, &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, listed)

	// Set and filter properties.
	label := "work key"
	var updated api.DeviceDescriptor
	resp = s.do(t, http.MethodPost, "/alice/"+descriptor.Handle,
		api.PropertyUpdate{"label": &label}, &updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"label": "work key"}, updated.Properties)

	var got api.DeviceDescriptor
	resp = s.do(t, http.MethodGet,
		"/alice/"+descriptor.Handle+"?filter="+url.QueryEscape("label,missing"), nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"label": "work key"}, got.Properties)

	s.errorEnvelope(t, http.MethodGet, "/alice/ffffffffffffffffffffffffffffffff", nil,
		http.StatusNotFound, api.ErrorCodeNotFound)
	s.errorEnvelope(t, http.MethodGet, "/alice/bogus-handle", nil,
		http.StatusBadRequest, api.ErrorCodeBadInput)

	// Deletes reply 204 and are idempotent.
	resp = s.do(t, http.MethodDelete, "/alice/"+descriptor.Handle, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = s.do(t, http.MethodDelete, "/alice/"+descriptor.Handle, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = s.do(t, http.MethodDelete, "/alice", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCertificateEndpoint(t *testing.T) {
	s := newTestServer(t)
	token, err := u2ftest.NewToken(nil)
	require.NoError(t, err)
	descriptor := s.enroll(t, "alice", token)

	req, err := http.NewRequest(http.MethodGet,
		s.srv.URL+"/alice/"+descriptor.Handle+"/certificate", nil)
	require.NoError(t, err)
	req.Header.Set("X-Remote-User", testClient)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	assert.Equal(t, token.Attestation.Cert, block.Bytes)

	// Unknown device replies with the JSON error envelope.
	req, err = http.NewRequest(http.MethodGet,
		s.srv.URL+"/alice/ffffffffffffffffffffffffffffffff/certificate", nil)
	require.NoError(t, err)
	req.Header.Set("X-Remote-User", testClient)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterStartQueryParameters(t *testing.T) {
	s := newTestServer(t)
	token, err := u2ftest.NewToken(nil)
	require.NoError(t, err)

	properties := url.QueryEscape(`{"origin":"web"}`)
	var req api.RegisterRequestMessage
	resp := s.do(t, http.MethodGet, "/alice/register?properties="+properties, nil, &req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	regResp, err := token.Register(&req, testFacet)
	require.NoError(t, err)
	var descriptor api.DeviceDescriptor
	resp = s.do(t, http.MethodPost, "/alice/register",
		api.RegisterResponseData{RegisterResponse: *regResp}, &descriptor)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"origin": "web"}, descriptor.Properties)

	s.errorEnvelope(t, http.MethodGet, "/alice/register?challenge=%21%21not-base64%21%21", nil,
		http.StatusBadRequest, api.ErrorCodeBadInput)
	s.errorEnvelope(t, http.MethodGet, "/alice/register?properties=not-json", nil,
		http.StatusBadRequest, api.ErrorCodeBadInput)
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(t)
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/alice/register",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	req.Header.Set("X-Remote-User", testClient)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var envelope map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.EqualValues(t, api.ErrorCodeBadInput, envelope["errorCode"])
}
