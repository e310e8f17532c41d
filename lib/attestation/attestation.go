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

// Package attestation resolves U2F attestation certificates against a
// set of metadata documents, classifying devices as trusted or not and
// supplying vendor and model metadata for descriptors.
package attestation

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"log/slog"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gravitational/u2fval"
	"github.com/gravitational/u2fval/lib/api"
	"github.com/gravitational/u2fval/lib/defaults"
)

// Record is the resolution of one attestation certificate.
type Record struct {
	// Trusted is true when the certificate chains to a metadata root.
	Trusted bool
	// VendorInfo describes the vendor, when resolved.
	VendorInfo *api.VendorInfo
	// DeviceInfo describes the device model, when resolved.
	DeviceInfo *api.DeviceInfo
	// Transports is the transport bitfield declared in metadata.
	Transports api.Transport
}

// Metadata projects the record to the form carried in descriptors, nil
// when the record resolves neither vendor nor device.
func (r *Record) Metadata() *api.DeviceMetadata {
	if r == nil || (r.VendorInfo == nil && r.DeviceInfo == nil) {
		return nil
	}
	return &api.DeviceMetadata{
		Vendor: r.VendorInfo,
		Device: r.DeviceInfo,
	}
}

// Config holds parameters of the attestation service.
type Config struct {
	// MetadataPath is a JSON metadata file or a directory of them. Empty
	// means no metadata: every certificate resolves as untrusted.
	MetadataPath string
	// CacheSize bounds the resolution cache.
	CacheSize int
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.CacheSize == 0 {
		c.CacheSize = defaults.AttestationCacheSize
	}
	if c.CacheSize < 0 {
		return trace.BadParameter("negative CacheSize")
	}
	return nil
}

// Service resolves attestation certificates. Resolutions are cached by
// certificate fingerprint, including negative ones.
type Service struct {
	documents []*Document
	cache     *lru.Cache[string, *Record]
	log       *slog.Logger
}

// New creates an attestation service, loading metadata from disk when
// configured.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cache, err := lru.New[string, *Record](cfg.CacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	svc := &Service{
		cache: cache,
		log:   slog.With(u2fval.ComponentKey, u2fval.ComponentAttestation),
	}
	if cfg.MetadataPath != "" {
		if svc.documents, err = loadDocuments(cfg.MetadataPath); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return svc, nil
}

var untrusted = &Record{Trusted: false}

// Resolve classifies a DER encoded attestation certificate. It never
// fails: a certificate that does not parse or does not chain to any
// metadata root resolves as untrusted.
func (s *Service) Resolve(der []byte) *Record {
	sum := sha256.Sum256(der)
	fingerprint := hex.EncodeToString(sum[:])
	if record, ok := s.cache.Get(fingerprint); ok {
		return record
	}
	record := s.resolve(der, fingerprint)
	s.cache.Add(fingerprint, record)
	return record
}

func (s *Service) resolve(der []byte, fingerprint string) *Record {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		s.log.Warn("Failed to parse attestation certificate", "fingerprint", fingerprint, "error", err)
		return untrusted
	}
	for _, doc := range s.documents {
		// U2F attestation certificates routinely carry no EKU and expired
		// validity windows, so chain building is deliberately permissive.
		_, err := cert.Verify(x509.VerifyOptions{
			Roots:     doc.roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err != nil {
			continue
		}
		record := &Record{
			Trusted:    true,
			VendorInfo: doc.VendorInfo,
		}
		if len(doc.Devices) > 0 {
			entry := doc.Devices[0]
			record.Transports = entry.Transports
			if entry.DisplayName != "" || entry.DeviceURL != "" || entry.ImageURL != "" {
				record.DeviceInfo = &api.DeviceInfo{
					DisplayName: entry.DisplayName,
					DeviceURL:   entry.DeviceURL,
					ImageURL:    entry.ImageURL,
				}
			}
		}
		return record
	}
	return untrusted
}
