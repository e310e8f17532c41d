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
	"encoding/json"
	"errors"

	"github.com/gravitational/trace"
)

// CreateClient registers a new relying party.
func (s *Store) CreateClient(ctx context.Context, name, appID string, facets []string) (*Client, error) {
	if err := ValidateClient(name, appID, facets); err != nil {
		return nil, trace.Wrap(err)
	}
	encoded, err := json.Marshal(facets)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	res, err := s.q.ExecContext(ctx,
		"INSERT INTO clients (name, app_id, valid_facets) VALUES (?, ?, ?)",
		name, appID, string(encoded))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, trace.AlreadyExists("client %q already exists", name)
		}
		return nil, trace.Wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{ID: id, Name: name, AppID: appID, ValidFacets: facets}, nil
}

// GetClient fetches a client by its unique name.
func (s *Store) GetClient(ctx context.Context, name string) (*Client, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT id, name, app_id, valid_facets FROM clients WHERE name = ?", name)
	var client Client
	var facets string
	if err := row.Scan(&client.ID, &client.Name, &client.AppID, &facets); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("client %q not found", name)
		}
		return nil, trace.Wrap(err)
	}
	if err := json.Unmarshal([]byte(facets), &client.ValidFacets); err != nil {
		return nil, trace.Wrap(err)
	}
	return &client, nil
}

// UpdateClient replaces the appId and/or facets of a client. Empty values
// keep the current setting.
func (s *Store) UpdateClient(ctx context.Context, name, appID string, facets []string) error {
	return s.InTransaction(ctx, func(tx *Store) error {
		client, err := tx.GetClient(ctx, name)
		if err != nil {
			return trace.Wrap(err)
		}
		if appID == "" {
			appID = client.AppID
		}
		if len(facets) == 0 {
			facets = client.ValidFacets
		}
		if err := ValidateClient(name, appID, facets); err != nil {
			return trace.Wrap(err)
		}
		encoded, err := json.Marshal(facets)
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.q.ExecContext(ctx,
			"UPDATE clients SET app_id = ?, valid_facets = ? WHERE id = ?",
			appID, string(encoded), client.ID)
		return trace.Wrap(err)
	})
}

// DeleteClient removes a client and cascades to its users, devices,
// properties and transactions.
func (s *Store) DeleteClient(ctx context.Context, name string) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM clients WHERE name = ?", name)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("client %q not found", name)
	}
	return nil
}

// ListClients returns the names of all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT name FROM clients ORDER BY name")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, trace.Wrap(err)
		}
		names = append(names, name)
	}
	return names, trace.Wrap(rows.Err())
}
