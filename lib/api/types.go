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

package api

import "time"

// U2FVersion is the only U2F protocol version this service speaks.
const U2FVersion = "U2F_V2"

// Version is a major/minor protocol version pair.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// TrustedFacets lists the origins a client considers legitimate callers,
// as defined by the FIDO AppID and Facet specification.
type TrustedFacets struct {
	Version Version  `json:"version"`
	IDs     []string `json:"ids"`
}

// TrustedFacetsResponse is the response of the trusted-facets endpoint.
type TrustedFacetsResponse struct {
	TrustedFacets []TrustedFacets `json:"trustedFacets"`
}

// VendorInfo describes a device vendor, sourced from attestation
// metadata.
type VendorInfo struct {
	Name     string `json:"name,omitempty"`
	URL      string `json:"url,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// DeviceInfo describes a device model, sourced from attestation metadata.
type DeviceInfo struct {
	DisplayName string `json:"displayName,omitempty"`
	DeviceURL   string `json:"deviceUrl,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// DeviceMetadata is the metadata projection included in descriptors for
// devices with a resolved attestation record.
type DeviceMetadata struct {
	Vendor *VendorInfo `json:"vendor,omitempty"`
	Device *DeviceInfo `json:"device,omitempty"`
}

// DeviceDescriptor is the external view of a registered device.
type DeviceDescriptor struct {
	Handle      string            `json:"handle"`
	Transports  []string          `json:"transports"`
	Compromised bool              `json:"compromised"`
	Created     time.Time         `json:"created"`
	LastUsed    *time.Time        `json:"lastUsed"`
	Properties  map[string]string `json:"properties"`
	Metadata    *DeviceMetadata   `json:"metadata,omitempty"`
}

// RegisterRequest is a single server challenge of a register ceremony, as
// defined by the FIDO U2F Javascript API.
type RegisterRequest struct {
	Version   string `json:"version"`
	Challenge string `json:"challenge"`
}

// RegisteredKey describes an already enrolled key. During registration it
// lets the U2F client refuse duplicate enrollment; during signing it
// names an eligible key. AppID is omitted when equal to the top level
// appId.
type RegisteredKey struct {
	Version    string   `json:"version"`
	KeyHandle  string   `json:"keyHandle"`
	AppID      string   `json:"appId,omitempty"`
	Transports []string `json:"transports"`
}

// RegisterRequestMessage is the server-to-client payload starting a
// register ceremony.
type RegisterRequestMessage struct {
	AppID            string             `json:"appId"`
	RegisterRequests []RegisterRequest  `json:"registerRequests"`
	RegisteredKeys   []RegisteredKey    `json:"registeredKeys"`
	Descriptors      []DeviceDescriptor `json:"descriptors"`
}

// SignRequestMessage is the server-to-client payload starting a sign
// ceremony.
type SignRequestMessage struct {
	AppID          string             `json:"appId"`
	Challenge      string             `json:"challenge"`
	RegisteredKeys []RegisteredKey    `json:"registeredKeys"`
	Descriptors    []DeviceDescriptor `json:"descriptors"`
}

// RegisterResponse is the raw U2F client object produced by a token
// during registration.
type RegisterResponse struct {
	Version          string `json:"version"`
	RegistrationData string `json:"registrationData"`
	ClientData       string `json:"clientData"`
}

// SignResponse is the raw U2F client object produced by a token during
// signing.
type SignResponse struct {
	KeyHandle     string `json:"keyHandle"`
	SignatureData string `json:"signatureData"`
	ClientData    string `json:"clientData"`
}

// PropertyUpdate is a partial update of a device property bag. A nil
// value deletes the key, any other value sets it.
type PropertyUpdate map[string]*string

// SetProperties converts a plain property map to an update that sets
// every key.
func SetProperties(props map[string]string) PropertyUpdate {
	update := make(PropertyUpdate, len(props))
	for k := range props {
		v := props[k]
		update[k] = &v
	}
	return update
}

// RegisterResponseData is the client-to-server payload completing a
// register ceremony.
type RegisterResponseData struct {
	RegisterResponse RegisterResponse `json:"registerResponse"`
	Properties       PropertyUpdate   `json:"properties"`
}

// SignResponseData is the client-to-server payload completing a sign
// ceremony.
type SignResponseData struct {
	SignResponse SignResponse   `json:"signResponse"`
	Properties   PropertyUpdate `json:"properties"`
}
