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

// Package u2fval contains constants shared across the U2F validation
// service.
package u2fval

const (
	// Version is the semantic version of the service.
	Version = "2.0.0"

	// ComponentKey is the attribute key used to tag log records with the
	// component that emitted them.
	ComponentKey = "component"

	// ComponentEngine is the U2F ceremony engine.
	ComponentEngine = "engine"

	// ComponentStorage is the persistent relational store.
	ComponentStorage = "storage"

	// ComponentTransactions is the ephemeral ceremony transaction store.
	ComponentTransactions = "transactions"

	// ComponentAttestation is the attestation metadata service.
	ComponentAttestation = "attestation"

	// ComponentWeb is the HTTP API front end.
	ComponentWeb = "web"

	// ComponentCLI is the command line tool.
	ComponentCLI = "cli"
)
