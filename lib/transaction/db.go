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

package transaction

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/u2fval/lib/defaults"
	"github.com/gravitational/u2fval/lib/storage"
)

// DBConfig holds parameters of the database-backed transaction store.
type DBConfig struct {
	// Store is the relational store holding the transactions table.
	Store *storage.Store
	// TTL is how long a pending ceremony stays valid.
	TTL time.Duration
	// MaxPerUser caps the number of pending ceremonies per user.
	MaxPerUser int
}

// CheckAndSetDefaults validates the configuration.
func (c *DBConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.TTL == 0 {
		c.TTL = defaults.TransactionTTL
	}
	if c.MaxPerUser == 0 {
		c.MaxPerUser = defaults.MaxTransactions
	}
	return nil
}

// DBStore keeps pending ceremonies in the relational store, in the same
// database as the rest of the model. Expired rows are purged eagerly on
// every store and retrieve.
type DBStore struct {
	store      *storage.Store
	ttl        time.Duration
	maxPerUser int
}

// NewDBStore creates a database-backed transaction store.
func NewDBStore(cfg DBConfig) (*DBStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &DBStore{
		store:      cfg.Store,
		ttl:        cfg.TTL,
		maxPerUser: cfg.MaxPerUser,
	}, nil
}

// Store implements Store.
func (s *DBStore) Store(ctx context.Context, clientID int64, user string, challenge, data []byte) error {
	cutoff := s.store.Clock().Now().Add(-s.ttl)
	return s.store.InTransaction(ctx, func(tx *storage.Store) error {
		u, err := tx.GetOrCreateUser(ctx, clientID, user)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := tx.DeleteExpiredTransactions(ctx, cutoff); err != nil {
			return trace.Wrap(err)
		}
		// Keep room for the incoming transaction.
		if err := tx.TrimUserTransactions(ctx, u.ID, s.maxPerUser-1); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(tx.InsertTransaction(ctx, u.ID, ID(challenge), data))
	})
}

// Retrieve implements Store.
func (s *DBStore) Retrieve(ctx context.Context, clientID int64, user, transactionID string) ([]byte, error) {
	cutoff := s.store.Clock().Now().Add(-s.ttl)
	var data []byte
	err := s.store.InTransaction(ctx, func(tx *storage.Store) error {
		if err := tx.DeleteExpiredTransactions(ctx, cutoff); err != nil {
			return trace.Wrap(err)
		}
		txn, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return trace.Wrap(err)
		}
		// A transaction minted for another tenant or user must not be
		// redeemable here.
		if txn.ClientID != clientID || txn.UserName != user {
			return trace.NotFound("transaction %v not found", transactionID)
		}
		if err := tx.DeleteTransaction(ctx, txn.ID); err != nil {
			return trace.Wrap(err)
		}
		data = txn.Data
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}
