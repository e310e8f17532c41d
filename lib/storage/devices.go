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
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/u2fval/lib/api"
)

// UpsertCertificate stores an attestation certificate, deduplicating by
// fingerprint. Registering two keys of the same model or batch yields a
// single certificate row.
func (s *Store) UpsertCertificate(ctx context.Context, der []byte) (*Certificate, error) {
	fingerprint := Fingerprint(der)
	cert, err := s.getCertificateBy(ctx, "fingerprint", fingerprint)
	if err == nil {
		return cert, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	res, err := s.q.ExecContext(ctx,
		"INSERT INTO certificates (fingerprint, der) VALUES (?, ?)", fingerprint, der)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Certificate{ID: id, Fingerprint: fingerprint, DER: der}, nil
}

// GetCertificate fetches a certificate by row ID.
func (s *Store) GetCertificate(ctx context.Context, id int64) (*Certificate, error) {
	return s.getCertificateBy(ctx, "id", id)
}

func (s *Store) getCertificateBy(ctx context.Context, column string, value any) (*Certificate, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT id, fingerprint, der FROM certificates WHERE "+column+" = ?", value)
	var cert Certificate
	if err := row.Scan(&cert.ID, &cert.Fingerprint, &cert.DER); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("certificate not found")
		}
		return nil, trace.Wrap(err)
	}
	return &cert, nil
}

// NewHandle mints a random 128-bit device handle, encoded as 32 hex
// characters.
func NewHandle() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// CreateDevice registers a device for a user.
func (s *Store) CreateDevice(ctx context.Context, userID int64, bindData []byte, certificateID int64, transports api.Transport) (*Device, error) {
	device := &Device{
		Handle:        NewHandle(),
		UserID:        userID,
		BindData:      bindData,
		CertificateID: certificateID,
		Transports:    transports,
		CreatedAt:     time.Unix(0, s.clock.Now().UnixNano()),
		Properties:    map[string]string{},
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO devices (handle, user_id, bind_data, certificate_id, compromised, counter, transports, created_at, authenticated_at)
		VALUES (?, ?, ?, ?, 0, NULL, ?, ?, NULL)`,
		device.Handle, device.UserID, device.BindData, device.CertificateID,
		int64(device.Transports), device.CreatedAt.UnixNano())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	device.ID, err = res.LastInsertId()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return device, nil
}

const deviceColumns = `id, handle, user_id, bind_data, certificate_id, compromised, counter, transports, created_at, authenticated_at`

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var device Device
	var compromised int
	var counter sql.NullInt64
	var transports, createdAt int64
	var authenticatedAt sql.NullInt64
	err := row.Scan(&device.ID, &device.Handle, &device.UserID, &device.BindData,
		&device.CertificateID, &compromised, &counter, &transports, &createdAt,
		&authenticatedAt)
	if err != nil {
		return nil, err
	}
	device.Compromised = compromised != 0
	if counter.Valid {
		c := uint32(counter.Int64)
		device.Counter = &c
	}
	device.Transports = api.Transport(transports)
	device.CreatedAt = time.Unix(0, createdAt)
	if authenticatedAt.Valid {
		t := time.Unix(0, authenticatedAt.Int64)
		device.AuthenticatedAt = &t
	}
	return &device, nil
}

// GetUserDevice fetches one of a user's devices by handle, with its
// property bag.
func (s *Store) GetUserDevice(ctx context.Context, userID int64, handle string) (*Device, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE user_id = ? AND handle = ?",
		userID, handle)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("device %v not found", handle)
		}
		return nil, trace.Wrap(err)
	}
	if device.Properties, err = s.deviceProperties(ctx, device.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	return device, nil
}

// ListUserDevices returns all devices of a user ordered by handle, with
// their property bags.
func (s *Store) ListUserDevices(ctx context.Context, userID int64) ([]*Device, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE user_id = ? ORDER BY handle", userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var devices []*Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	for _, device := range devices {
		if device.Properties, err = s.deviceProperties(ctx, device.ID); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return devices, nil
}

// DeleteUserDevice removes one of a user's devices, cascading to its
// properties. Deleting an absent device is a no-op.
func (s *Store) DeleteUserDevice(ctx context.Context, userID int64, handle string) error {
	_, err := s.q.ExecContext(ctx,
		"DELETE FROM devices WHERE user_id = ? AND handle = ?", userID, handle)
	return trace.Wrap(err)
}

// SetDeviceAuthenticated conditionally advances a device's counter and
// records the sign time. It returns false without modifying the row when
// the new counter does not exceed the stored one, which callers must
// treat as evidence of a cloned device. The conditional update makes
// concurrent signs with equal counters impossible to both succeed.
func (s *Store) SetDeviceAuthenticated(ctx context.Context, deviceID int64, counter uint32, when time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE devices SET counter = ?, authenticated_at = ?
		WHERE id = ? AND (counter IS NULL OR counter < ?)`,
		int64(counter), when.UnixNano(), deviceID, int64(counter))
	if err != nil {
		return false, trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, trace.Wrap(err)
	}
	return n > 0, nil
}

// MarkDeviceCompromised latches the compromised flag. The flag is never
// cleared.
func (s *Store) MarkDeviceCompromised(ctx context.Context, deviceID int64) error {
	_, err := s.q.ExecContext(ctx,
		"UPDATE devices SET compromised = 1 WHERE id = ?", deviceID)
	return trace.Wrap(err)
}

// UpdateDeviceProperties applies a partial property update: nil values
// delete keys, the rest are upserted.
func (s *Store) UpdateDeviceProperties(ctx context.Context, deviceID int64, update api.PropertyUpdate) error {
	for key, value := range update {
		if value == nil {
			if _, err := s.q.ExecContext(ctx,
				"DELETE FROM properties WHERE device_id = ? AND key = ?", deviceID, key); err != nil {
				return trace.Wrap(err)
			}
			continue
		}
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO properties (device_id, key, value) VALUES (?, ?, ?)
			ON CONFLICT (device_id, key) DO UPDATE SET value = excluded.value`,
			deviceID, key, *value); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (s *Store) deviceProperties(ctx context.Context, deviceID int64) (map[string]string, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT key, value FROM properties WHERE device_id = ?", deviceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	properties := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, trace.Wrap(err)
		}
		properties[key] = value
	}
	return properties, trace.Wrap(rows.Err())
}
