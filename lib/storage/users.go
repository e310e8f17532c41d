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
	"errors"
	"time"

	"github.com/gravitational/trace"
)

// GetUser fetches a user by client and name.
func (s *Store) GetUser(ctx context.Context, clientID int64, name string) (*User, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT id, client_id, name FROM users WHERE client_id = ? AND name = ?",
		clientID, name)
	var user User
	if err := row.Scan(&user.ID, &user.ClientID, &user.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("user %q not found", name)
		}
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// GetOrCreateUser fetches a user, creating it lazily on first use. Users
// come into existence on their first successful registration or pending
// ceremony, never through a dedicated call.
func (s *Store) GetOrCreateUser(ctx context.Context, clientID int64, name string) (*User, error) {
	if err := ValidateUserName(name); err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := s.GetUser(ctx, clientID, name)
	if err == nil {
		return user, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	res, err := s.q.ExecContext(ctx,
		"INSERT INTO users (client_id, name) VALUES (?, ?)", clientID, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "User created", "client_id", clientID, "user", name)
	return &User{ID: id, ClientID: clientID, Name: name}, nil
}

// DeleteUser removes a user and cascades to its devices, properties and
// transactions. Deleting an absent user is a no-op.
func (s *Store) DeleteUser(ctx context.Context, clientID int64, name string) error {
	_, err := s.q.ExecContext(ctx,
		"DELETE FROM users WHERE client_id = ? AND name = ?", clientID, name)
	return trace.Wrap(err)
}

// InsertTransaction records a pending ceremony for a user.
func (s *Store) InsertTransaction(ctx context.Context, userID int64, transactionID string, data []byte) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO transactions (user_id, transaction_id, data, created_at) VALUES (?, ?, ?, ?)",
		userID, transactionID, data, s.clock.Now().UnixNano())
	if isUniqueViolation(err) {
		return trace.AlreadyExists("transaction %v already exists", transactionID)
	}
	return trace.Wrap(err)
}

// GetTransaction fetches a pending ceremony by transaction ID, joined
// with its owning user.
func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT t.id, t.user_id, u.name, u.client_id, t.transaction_id, t.data, t.created_at
		FROM transactions t JOIN users u ON u.id = t.user_id
		WHERE t.transaction_id = ?`, transactionID)
	var txn Transaction
	var createdAt int64
	err := row.Scan(&txn.ID, &txn.UserID, &txn.UserName, &txn.ClientID,
		&txn.TransactionID, &txn.Data, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("transaction %v not found", transactionID)
		}
		return nil, trace.Wrap(err)
	}
	txn.CreatedAt = time.Unix(0, createdAt)
	return &txn, nil
}

// DeleteTransaction removes a pending ceremony.
func (s *Store) DeleteTransaction(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM transactions WHERE id = ?", id)
	return trace.Wrap(err)
}

// DeleteExpiredTransactions purges ceremonies created before the cutoff.
func (s *Store) DeleteExpiredTransactions(ctx context.Context, cutoff time.Time) error {
	_, err := s.q.ExecContext(ctx,
		"DELETE FROM transactions WHERE created_at < ?", cutoff.UnixNano())
	return trace.Wrap(err)
}

// TrimUserTransactions evicts the user's oldest transactions, keeping at
// most keep of the newest ones.
func (s *Store) TrimUserTransactions(ctx context.Context, userID int64, keep int) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM transactions WHERE user_id = ? AND id NOT IN (
			SELECT id FROM transactions WHERE user_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`, userID, userID, keep)
	return trace.Wrap(err)
}

// CountUserTransactions returns the number of live transactions held by
// a user.
func (s *Store) CountUserTransactions(ctx context.Context, userID int64) (int, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE user_id = ?", userID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, trace.Wrap(err)
	}
	return n, nil
}
