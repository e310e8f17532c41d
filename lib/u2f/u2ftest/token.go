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

// Package u2ftest implements a software U2F token for tests.
//
// It is not a complete token implementation: each token holds a single
// key pair, and only the happy paths of the register and sign ceremonies
// are supported. Tokens sharing an Attestation present the same
// attestation certificate, like keys from one production batch.
package u2ftest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/json"
	"math/big"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/u2fval/lib/api"
	"github.com/gravitational/u2fval/lib/u2f"
)

// u2fRegistrationReserved is the fixed first byte of a registration
// response message.
const u2fRegistrationReserved = 0x05

// Attestation is an attestation certificate and its signing key, shared
// by all tokens of one simulated hardware batch.
type Attestation struct {
	// Cert is the DER encoded attestation certificate.
	Cert []byte

	key *ecdsa.PrivateKey
}

// NewAttestation generates a self-signed attestation certificate.
func NewAttestation() (*Attestation, error) {
	return newAttestation(nil, nil)
}

// NewAttestationFromCA generates an attestation certificate issued by the
// given vendor CA, for exercising metadata trust resolution.
func NewAttestationFromCA(caCert *x509.Certificate, caKey crypto.Signer) (*Attestation, error) {
	return newAttestation(caCert, caKey)
}

func newAttestation(parent *x509.Certificate, parentKey crypto.Signer) (*Attestation, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "U2F Test Token",
			Organization: []string{"Test Vendor"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	signer := crypto.Signer(key)
	if parent == nil {
		parent = template
	} else {
		signer = parentKey
	}
	cert, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Attestation{Cert: cert, key: key}, nil
}

// Token is a single software U2F key.
type Token struct {
	KeyHandle   []byte
	PrivateKey  *ecdsa.PrivateKey
	Attestation *Attestation

	counter  uint32
	presence byte
}

// NewToken creates a token presenting the given attestation certificate.
// A nil attestation gets a fresh self-signed one.
func NewToken(attestation *Attestation) (*Token, error) {
	if attestation == nil {
		var err error
		attestation, err = NewAttestation()
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	keyHandle := make([]byte, 32)
	if _, err := rand.Read(keyHandle); err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Token{
		KeyHandle:   keyHandle,
		PrivateKey:  key,
		Attestation: attestation,
		counter:     1,
		presence:    1,
	}, nil
}

// Counter returns the token's usage counter.
func (t *Token) Counter() uint32 {
	return t.counter
}

// SetCounter overrides the usage counter, simulating a cloned or reset
// device.
func (t *Token) SetCounter(counter uint32) {
	t.counter = counter
}

// SetPresence overrides the user presence byte of subsequent sign
// responses. Zero simulates a token that signed without a touch.
func (t *Token) SetPresence(presence byte) {
	t.presence = presence
}

func (t *Token) publicKeyBytes() ([]byte, error) {
	pub, err := t.PrivateKey.PublicKey.ECDH()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pub.Bytes(), nil
}

func clientData(typ, challenge, origin string) ([]byte, error) {
	raw, err := json.Marshal(u2f.ClientData{
		Typ:       typ,
		Challenge: challenge,
		Origin:    origin,
	})
	return raw, trace.Wrap(err)
}

// Register answers a register request message on behalf of the facet.
func (t *Token) Register(req *api.RegisterRequestMessage, facet string) (*api.RegisterResponse, error) {
	if len(req.RegisterRequests) == 0 {
		return nil, trace.BadParameter("no register requests")
	}
	// Refuse duplicate enrollment, as a compliant client would.
	for _, key := range req.RegisteredKeys {
		if key.KeyHandle == u2f.EncodeKey(t.KeyHandle) {
			return nil, trace.AlreadyExists("token already registered")
		}
	}

	cdRaw, err := clientData("navigator.id.finishEnrollment", req.RegisterRequests[0].Challenge, facet)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cdHash := sha256.Sum256(cdRaw)
	appHash := sha256.Sum256([]byte(req.AppID))

	pubKey, err := t.publicKeyBytes()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	toSign := make([]byte, 0, 1+len(appHash)+len(cdHash)+len(t.KeyHandle)+len(pubKey))
	toSign = append(toSign, 0)
	toSign = append(toSign, appHash[:]...)
	toSign = append(toSign, cdHash[:]...)
	toSign = append(toSign, t.KeyHandle...)
	toSign = append(toSign, pubKey...)
	digest := sha256.Sum256(toSign)

	// The registration response is signed by the attestation key.
	sig, err := t.Attestation.key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	regData := make([]byte, 0, 1+len(pubKey)+1+len(t.KeyHandle)+len(t.Attestation.Cert)+len(sig))
	regData = append(regData, u2fRegistrationReserved)
	regData = append(regData, pubKey...)
	regData = append(regData, byte(len(t.KeyHandle)))
	regData = append(regData, t.KeyHandle...)
	regData = append(regData, t.Attestation.Cert...)
	regData = append(regData, sig...)

	return &api.RegisterResponse{
		Version:          api.U2FVersion,
		RegistrationData: u2f.EncodeKey(regData),
		ClientData:       u2f.EncodeKey(cdRaw),
	}, nil
}

// Sign answers a sign request message on behalf of the facet, using the
// registered key matching this token.
func (t *Token) Sign(req *api.SignRequestMessage, facet string) (*api.SignResponse, error) {
	var matched *api.RegisteredKey
	for i, key := range req.RegisteredKeys {
		if key.KeyHandle == u2f.EncodeKey(t.KeyHandle) {
			matched = &req.RegisteredKeys[i]
			break
		}
	}
	if matched == nil {
		return nil, trace.NotFound("token not among registered keys")
	}

	cdRaw, err := clientData("navigator.id.getAssertion", req.Challenge, facet)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cdHash := sha256.Sum256(cdRaw)
	appID := matched.AppID
	if appID == "" {
		appID = req.AppID
	}
	appHash := sha256.Sum256([]byte(appID))

	counter := make([]byte, 4)
	binary.BigEndian.PutUint32(counter, t.counter)
	t.counter++

	toSign := make([]byte, 0, len(appHash)+5+len(cdHash))
	toSign = append(toSign, appHash[:]...)
	toSign = append(toSign, t.presence)
	toSign = append(toSign, counter...)
	toSign = append(toSign, cdHash[:]...)
	digest := sha256.Sum256(toSign)

	sig, err := t.PrivateKey.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sigData := make([]byte, 0, 5+len(sig))
	sigData = append(sigData, t.presence)
	sigData = append(sigData, counter...)
	sigData = append(sigData, sig...)

	return &api.SignResponse{
		KeyHandle:     matched.KeyHandle,
		SignatureData: u2f.EncodeKey(sigData),
		ClientData:    u2f.EncodeKey(cdRaw),
	}, nil
}
