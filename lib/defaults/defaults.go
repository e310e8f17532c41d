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

// Package defaults contains default constants used across the service.
package defaults

import "time"

const (
	// ListenAddr is the address the development HTTP listener binds to.
	ListenAddr = "localhost:8080"

	// ConfigFilePath is the default configuration file location.
	ConfigFilePath = "/etc/u2fval/u2fval.yaml"

	// DatabaseURI is the default relational store connection string.
	DatabaseURI = "sqlite:/var/lib/u2fval/u2fval.db"

	// ClientHeader is the request header carrying the authenticated
	// client principal, expected to be set by a trusted reverse proxy.
	ClientHeader = "X-Remote-User"

	// TransactionTTL is how long an in-flight ceremony transaction stays
	// retrievable before it is expired.
	TransactionTTL = 300 * time.Second

	// MaxTransactions is the per-user cap on live ceremony transactions.
	// The oldest transaction is evicted when the cap would be exceeded.
	MaxTransactions = 5

	// ChallengeLength is the number of random bytes in a server-minted
	// challenge.
	ChallengeLength = 32

	// MaxNameLength bounds both user names and property keys.
	MaxNameLength = 40

	// AttestationCacheSize bounds the LRU cache of resolved attestation
	// records, keyed by certificate fingerprint.
	AttestationCacheSize = 1024

	// HTTPIdleTimeout is the keep-alive timeout of the dev listener.
	HTTPIdleTimeout = 60 * time.Second
)
