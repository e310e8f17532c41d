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

package attestation

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/u2fval/lib/api"
)

// Document is one attestation metadata document. It names a vendor, the
// vendor's trusted attestation roots and the device models those roots
// vouch for.
type Document struct {
	Identifier          string          `json:"identifier"`
	Version             int             `json:"version"`
	VendorInfo          *api.VendorInfo `json:"vendorInfo,omitempty"`
	TrustedCertificates []string        `json:"trustedCertificates"`
	Devices             []DeviceEntry   `json:"devices"`

	roots *x509.CertPool
}

// DeviceEntry describes one device model of a metadata document.
type DeviceEntry struct {
	DisplayName string `json:"displayName,omitempty"`
	DeviceURL   string `json:"deviceUrl,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	// Transports is the transport bitfield declared for the model.
	Transports api.Transport `json:"transports,omitempty"`
}

func parseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(doc.TrustedCertificates) == 0 {
		return nil, trace.BadParameter("metadata document %q has no trusted certificates", doc.Identifier)
	}
	doc.roots = x509.NewCertPool()
	for _, pemCert := range doc.TrustedCertificates {
		block, _ := pem.Decode([]byte(pemCert))
		if block == nil {
			return nil, trace.BadParameter("metadata document %q has a malformed trusted certificate", doc.Identifier)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		doc.roots.AddCert(cert)
	}
	return &doc, nil
}

// loadDocuments reads metadata documents from a path: either a single
// JSON file or a directory of JSON files.
func loadDocuments(path string) ([]*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			files = append(files, filepath.Join(path, entry.Name()))
		}
	} else {
		files = []string{path}
	}
	var docs []*Document
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		doc, err := parseDocument(data)
		if err != nil {
			return nil, trace.Wrap(err, "parsing %v", file)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
