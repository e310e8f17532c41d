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

// Package transaction stores pending register and sign ceremonies
// between the start and complete calls of a U2F flow. Each transaction
// is keyed by the hex SHA-256 of its challenge, capped per user and
// expired after a fixed TTL.
package transaction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Store is a bounded, expiring store of pending ceremonies scoped to a
// client and user.
type Store interface {
	// Store saves a pending ceremony. When the user is at capacity the
	// oldest pending ceremonies are evicted first.
	Store(ctx context.Context, clientID int64, user string, challenge, data []byte) error
	// Retrieve pops a pending ceremony by transaction ID. A transaction
	// can be retrieved at most once; an expired, consumed or foreign
	// transaction yields a not found error.
	Retrieve(ctx context.Context, clientID int64, user, transactionID string) ([]byte, error)
}

// ID derives the transaction ID from a ceremony challenge.
func ID(challenge []byte) string {
	sum := sha256.Sum256(challenge)
	return hex.EncodeToString(sum[:])
}
