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

// Package engine implements the U2F ceremony engine: registration and
// sign flows, device administration and the trusted-facets response. It
// is transport agnostic; the web layer translates its errors to HTTP.
package engine

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/u2fval"
	"github.com/gravitational/u2fval/lib/api"
	"github.com/gravitational/u2fval/lib/attestation"
	"github.com/gravitational/u2fval/lib/storage"
	"github.com/gravitational/u2fval/lib/transaction"
	"github.com/gravitational/u2fval/lib/u2f"
)

// Config holds the engine dependencies.
type Config struct {
	// Store is the relational store.
	Store *storage.Store
	// Transactions is the pending ceremony store.
	Transactions transaction.Store
	// Attestation resolves attestation certificates.
	Attestation *attestation.Service
	// AllowUntrusted permits registration of devices whose attestation
	// certificate does not chain to any metadata root.
	AllowUntrusted bool
	// Clock is the time source. Defaults to the wall clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Transactions == nil {
		return trace.BadParameter("missing Transactions")
	}
	if c.Attestation == nil {
		return trace.BadParameter("missing Attestation")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine runs U2F ceremonies for registered clients.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New creates a ceremony engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg: cfg,
		log: slog.With(u2fval.ComponentKey, u2fval.ComponentEngine),
	}, nil
}

// pendingRegistration is the transaction payload of a register ceremony.
type pendingRegistration struct {
	AppID      string             `json:"appId"`
	Challenge  string             `json:"challenge"`
	Properties api.PropertyUpdate `json:"properties,omitempty"`
}

// pendingSign is the transaction payload of a sign ceremony. HandleMap
// routes the key handle the token answered with back to a device handle.
type pendingSign struct {
	AppID      string             `json:"appId"`
	Challenge  string             `json:"challenge"`
	HandleMap  map[string]string  `json:"handleMap"`
	Properties api.PropertyUpdate `json:"properties,omitempty"`
}

// TrustedFacets returns the client's trusted facet list in the format
// consumed by the U2F client's origin check.
func (e *Engine) TrustedFacets(client *storage.Client) *api.TrustedFacetsResponse {
	return &api.TrustedFacetsResponse{
		TrustedFacets: []api.TrustedFacets{{
			Version: api.Version{Major: 1, Minor: 0},
			IDs:     client.ValidFacets,
		}},
	}
}

// Descriptors lists the user's device descriptors. An unknown user has
// no devices, not an error.
func (e *Engine) Descriptors(ctx context.Context, client *storage.Client, userName string, filter []string) ([]api.DeviceDescriptor, error) {
	descriptors := []api.DeviceDescriptor{}
	user, err := e.cfg.Store.GetUser(ctx, client.ID, userName)
	if err != nil {
		if trace.IsNotFound(err) {
			return descriptors, nil
		}
		return nil, trace.Wrap(err)
	}
	devices, err := e.cfg.Store.ListUserDevices(ctx, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, device := range devices {
		descriptor, err := e.descriptor(ctx, e.cfg.Store, device, filter)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		descriptors = append(descriptors, *descriptor)
	}
	return descriptors, nil
}

// RegisterStart begins a register ceremony. The returned message carries
// one register request, check-only registered keys for every device the
// user already has (compromised ones included, to block duplicate
// enrollment) and the current descriptors.
func (e *Engine) RegisterStart(ctx context.Context, client *storage.Client, userName string, challenge []byte, properties api.PropertyUpdate) (*api.RegisterRequestMessage, error) {
	if err := storage.ValidateUserName(userName); err != nil {
		return nil, api.BadInput("%v", err)
	}
	if len(challenge) == 0 {
		var err error
		if challenge, err = u2f.RandomChallenge(); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	registeredKeys, descriptors, err := e.userKeys(ctx, client, userName)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pending := pendingRegistration{
		AppID:      client.AppID,
		Challenge:  u2f.EncodeKey(challenge),
		Properties: properties,
	}
	if err := e.storePending(ctx, client, userName, challenge, pending); err != nil {
		return nil, trace.Wrap(err)
	}

	return &api.RegisterRequestMessage{
		AppID: client.AppID,
		RegisterRequests: []api.RegisterRequest{{
			Version:   api.U2FVersion,
			Challenge: u2f.EncodeKey(challenge),
		}},
		RegisteredKeys: registeredKeys,
		Descriptors:    descriptors,
	}, nil
}

// RegisterComplete finishes a register ceremony: verifies the token's
// response against the pending challenge, gates on attestation trust and
// persists the new device.
func (e *Engine) RegisterComplete(ctx context.Context, client *storage.Client, userName string, body api.RegisterResponseData) (*api.DeviceDescriptor, error) {
	pendingData, challenge, err := e.retrievePending(ctx, client, userName, body.RegisterResponse.ClientData)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var pending pendingRegistration
	if err := unmarshalPending(pendingData, &pending); err != nil {
		return nil, trace.Wrap(err)
	}

	reg, err := u2f.VerifyRegistration(body.RegisterResponse,
		u2f.NewChallenge(pending.AppID, client.ValidFacets, challenge))
	if err != nil {
		return nil, api.BadInput("%v", err)
	}

	record := e.cfg.Attestation.Resolve(reg.AttestationCert.Raw)
	if !record.Trusted && !e.cfg.AllowUntrusted {
		return nil, api.BadInput("attestation certificate not trusted")
	}

	var descriptor *api.DeviceDescriptor
	err = e.cfg.Store.InTransaction(ctx, func(tx *storage.Store) error {
		user, err := tx.GetOrCreateUser(ctx, client.ID, userName)
		if err != nil {
			return trace.Wrap(err)
		}
		cert, err := tx.UpsertCertificate(ctx, reg.AttestationCert.Raw)
		if err != nil {
			return trace.Wrap(err)
		}
		device, err := tx.CreateDevice(ctx, user.ID, reg.Raw, cert.ID, record.Transports)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := e.applyProperties(ctx, tx, device, pending.Properties, body.Properties); err != nil {
			return trace.Wrap(err)
		}
		descriptor, err = e.descriptor(ctx, tx, device, nil)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.log.InfoContext(ctx, "Device registered",
		"client", client.Name, "user", userName, "handle", descriptor.Handle)
	return descriptor, nil
}

// SignStart begins a sign ceremony over the user's eligible devices,
// optionally narrowed to specific handles.
func (e *Engine) SignStart(ctx context.Context, client *storage.Client, userName string, challenge []byte, handles []string, properties api.PropertyUpdate) (*api.SignRequestMessage, error) {
	if err := storage.ValidateUserName(userName); err != nil {
		return nil, api.BadInput("%v", err)
	}

	user, err := e.cfg.Store.GetUser(ctx, client.ID, userName)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, api.NoEligibleDevices("no eligible devices", nil)
		}
		return nil, trace.Wrap(err)
	}
	devices, err := e.cfg.Store.ListUserDevices(ctx, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(devices) == 0 {
		return nil, api.NoEligibleDevices("no eligible devices", nil)
	}

	if len(handles) > 0 {
		byHandle := make(map[string]*storage.Device, len(devices))
		for _, device := range devices {
			byHandle[device.Handle] = device
		}
		selected := make([]*storage.Device, 0, len(handles))
		for _, handle := range handles {
			if !storage.ValidHandle(handle) {
				return nil, api.BadInput("invalid device handle %q", handle)
			}
			device, ok := byHandle[handle]
			if !ok {
				return nil, api.BadInput("unknown device handle %q", handle)
			}
			selected = append(selected, device)
		}
		devices = selected
	}

	eligible := make([]*storage.Device, 0, len(devices))
	var ineligible []api.DeviceDescriptor
	for _, device := range devices {
		if device.Compromised {
			descriptor, err := e.descriptor(ctx, e.cfg.Store, device, nil)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			ineligible = append(ineligible, *descriptor)
			continue
		}
		eligible = append(eligible, device)
	}
	if len(eligible) == 0 {
		return nil, api.NoEligibleDevices("no eligible devices", ineligible)
	}

	if len(challenge) == 0 {
		if challenge, err = u2f.RandomChallenge(); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	registeredKeys := make([]api.RegisteredKey, 0, len(eligible))
	descriptors := make([]api.DeviceDescriptor, 0, len(eligible))
	handleMap := make(map[string]string, len(eligible))
	for _, device := range eligible {
		key, descriptor, err := e.deviceKey(ctx, e.cfg.Store, device)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		handleMap[key.KeyHandle] = device.Handle
		registeredKeys = append(registeredKeys, *key)
		descriptors = append(descriptors, *descriptor)
	}

	pending := pendingSign{
		AppID:      client.AppID,
		Challenge:  u2f.EncodeKey(challenge),
		HandleMap:  handleMap,
		Properties: properties,
	}
	if err := e.storePending(ctx, client, userName, challenge, pending); err != nil {
		return nil, trace.Wrap(err)
	}

	return &api.SignRequestMessage{
		AppID:          client.AppID,
		Challenge:      u2f.EncodeKey(challenge),
		RegisteredKeys: registeredKeys,
		Descriptors:    descriptors,
	}, nil
}

// SignComplete finishes a sign ceremony: verifies the assertion, checks
// user presence and enforces counter monotonicity. A counter that fails
// to advance latches the device as compromised; the latch is committed
// even though the operation itself fails.
func (e *Engine) SignComplete(ctx context.Context, client *storage.Client, userName string, body api.SignResponseData) (*api.DeviceDescriptor, error) {
	pendingData, challenge, err := e.retrievePending(ctx, client, userName, body.SignResponse.ClientData)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var pending pendingSign
	if err := unmarshalPending(pendingData, &pending); err != nil {
		return nil, trace.Wrap(err)
	}

	handle, ok := pending.HandleMap[body.SignResponse.KeyHandle]
	if !ok {
		return nil, api.BadInput("unknown key handle")
	}

	var descriptor *api.DeviceDescriptor
	var opErr error
	err = e.cfg.Store.InTransaction(ctx, func(tx *storage.Store) error {
		user, err := tx.GetUser(ctx, client.ID, userName)
		if err != nil {
			return trace.Wrap(err)
		}
		device, err := tx.GetUserDevice(ctx, user.ID, handle)
		if err != nil {
			return trace.Wrap(err)
		}
		reg, err := u2f.ParseRegistration(device.BindData)
		if err != nil {
			return trace.Wrap(err)
		}
		assertion, err := u2f.VerifyAssertion(reg, pending.AppID, client.ValidFacets, challenge, body.SignResponse)
		if err != nil {
			opErr = api.BadInput("%v", err)
			return opErr
		}
		if device.Compromised {
			d, err := e.descriptor(ctx, tx, device, nil)
			if err != nil {
				return trace.Wrap(err)
			}
			opErr = api.DeviceCompromised("device compromised", *d)
			return opErr
		}
		if assertion.Presence == 0 {
			opErr = api.BadInput("user presence not asserted")
			return opErr
		}

		now := e.cfg.Clock.Now().UTC()
		advanced, err := tx.SetDeviceAuthenticated(ctx, device.ID, assertion.Counter, now)
		if err != nil {
			return trace.Wrap(err)
		}
		if !advanced {
			// Counter replay: latch the device and commit the latch while
			// the ceremony itself fails.
			if err := tx.MarkDeviceCompromised(ctx, device.ID); err != nil {
				return trace.Wrap(err)
			}
			device.Compromised = true
			d, err := e.descriptor(ctx, tx, device, nil)
			if err != nil {
				return trace.Wrap(err)
			}
			e.log.WarnContext(ctx, "Counter replay detected, device marked compromised",
				"client", client.Name, "user", userName, "handle", device.Handle)
			opErr = api.DeviceCompromised("device counter mismatch", *d)
			return nil
		}

		device.Counter = &assertion.Counter
		device.AuthenticatedAt = &now
		if err := e.applyProperties(ctx, tx, device, pending.Properties, body.Properties); err != nil {
			return trace.Wrap(err)
		}
		descriptor, err = e.descriptor(ctx, tx, device, nil)
		return trace.Wrap(err)
	})
	if opErr != nil {
		return nil, opErr
	}
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, api.NotFound("%v", trace.UserMessage(err))
		}
		return nil, trace.Wrap(err)
	}
	return descriptor, nil
}

// Descriptor fetches one device descriptor.
func (e *Engine) Descriptor(ctx context.Context, client *storage.Client, userName, handle string, filter []string) (*api.DeviceDescriptor, error) {
	device, err := e.userDevice(ctx, client, userName, handle)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return e.descriptor(ctx, e.cfg.Store, device, filter)
}

// SetProperties merges a property update into a device and returns the
// updated descriptor.
func (e *Engine) SetProperties(ctx context.Context, client *storage.Client, userName, handle string, update api.PropertyUpdate) (*api.DeviceDescriptor, error) {
	device, err := e.userDevice(ctx, client, userName, handle)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var descriptor *api.DeviceDescriptor
	err = e.cfg.Store.InTransaction(ctx, func(tx *storage.Store) error {
		if err := e.applyProperties(ctx, tx, device, update); err != nil {
			return trace.Wrap(err)
		}
		descriptor, err = e.descriptor(ctx, tx, device, nil)
		return trace.Wrap(err)
	})
	return descriptor, trace.Wrap(err)
}

// DeleteDevice removes a device. Deleting an absent device or a device
// of an absent user is a no-op.
func (e *Engine) DeleteDevice(ctx context.Context, client *storage.Client, userName, handle string) error {
	if !storage.ValidHandle(handle) {
		return api.BadInput("invalid device handle %q", handle)
	}
	user, err := e.cfg.Store.GetUser(ctx, client.ID, userName)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(e.cfg.Store.DeleteUserDevice(ctx, user.ID, handle))
}

// DeleteUser removes a user and everything below it. Idempotent.
func (e *Engine) DeleteUser(ctx context.Context, client *storage.Client, userName string) error {
	return trace.Wrap(e.cfg.Store.DeleteUser(ctx, client.ID, userName))
}

// CertificatePEM returns the device's attestation certificate as PEM.
func (e *Engine) CertificatePEM(ctx context.Context, client *storage.Client, userName, handle string) ([]byte, error) {
	device, err := e.userDevice(ctx, client, userName, handle)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := e.cfg.Store.GetCertificate(ctx, device.CertificateID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.DER}), nil
}

func (e *Engine) userDevice(ctx context.Context, client *storage.Client, userName, handle string) (*storage.Device, error) {
	if !storage.ValidHandle(handle) {
		return nil, api.BadInput("invalid device handle %q", handle)
	}
	user, err := e.cfg.Store.GetUser(ctx, client.ID, userName)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, api.NotFound("device %v not found", handle)
		}
		return nil, trace.Wrap(err)
	}
	device, err := e.cfg.Store.GetUserDevice(ctx, user.ID, handle)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, api.NotFound("device %v not found", handle)
		}
		return nil, trace.Wrap(err)
	}
	return device, nil
}

// userKeys builds the registered key list and descriptors over all of a
// user's devices. An absent user yields empty lists.
func (e *Engine) userKeys(ctx context.Context, client *storage.Client, userName string) ([]api.RegisteredKey, []api.DeviceDescriptor, error) {
	registeredKeys := []api.RegisteredKey{}
	descriptors := []api.DeviceDescriptor{}

	user, err := e.cfg.Store.GetUser(ctx, client.ID, userName)
	if err != nil {
		if trace.IsNotFound(err) {
			return registeredKeys, descriptors, nil
		}
		return nil, nil, trace.Wrap(err)
	}
	devices, err := e.cfg.Store.ListUserDevices(ctx, user.ID)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	for _, device := range devices {
		key, descriptor, err := e.deviceKey(ctx, e.cfg.Store, device)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		registeredKeys = append(registeredKeys, *key)
		descriptors = append(descriptors, *descriptor)
	}
	return registeredKeys, descriptors, nil
}

func (e *Engine) deviceKey(ctx context.Context, tx *storage.Store, device *storage.Device) (*api.RegisteredKey, *api.DeviceDescriptor, error) {
	reg, err := u2f.ParseRegistration(device.BindData)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	descriptor, err := e.descriptor(ctx, tx, device, nil)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return &api.RegisteredKey{
		Version:    api.U2FVersion,
		KeyHandle:  u2f.EncodeKey(reg.KeyHandle),
		Transports: descriptor.Transports,
	}, descriptor, nil
}

// descriptor projects a device to its external view, filtering the
// property bag when a filter is given.
func (e *Engine) descriptor(ctx context.Context, tx *storage.Store, device *storage.Device, filter []string) (*api.DeviceDescriptor, error) {
	cert, err := tx.GetCertificate(ctx, device.CertificateID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	record := e.cfg.Attestation.Resolve(cert.DER)

	properties := device.Properties
	if filter != nil {
		properties = make(map[string]string, len(filter))
		for _, key := range filter {
			if value, ok := device.Properties[key]; ok {
				properties[key] = value
			}
		}
	}
	if properties == nil {
		properties = map[string]string{}
	}

	descriptor := &api.DeviceDescriptor{
		Handle:      device.Handle,
		Transports:  device.Transports.Strings(),
		Compromised: device.Compromised,
		Created:     device.CreatedAt.UTC(),
		Properties:  properties,
		Metadata:    record.Metadata(),
	}
	if device.AuthenticatedAt != nil {
		t := device.AuthenticatedAt.UTC()
		descriptor.LastUsed = &t
	}
	return descriptor, nil
}

// applyProperties applies property updates in order, mutating the
// device's in-memory bag to match.
func (e *Engine) applyProperties(ctx context.Context, tx *storage.Store, device *storage.Device, updates ...api.PropertyUpdate) error {
	for _, update := range updates {
		if len(update) == 0 {
			continue
		}
		if err := tx.UpdateDeviceProperties(ctx, device.ID, update); err != nil {
			return trace.Wrap(err)
		}
		if device.Properties == nil {
			device.Properties = map[string]string{}
		}
		for key, value := range update {
			if value == nil {
				delete(device.Properties, key)
			} else {
				device.Properties[key] = *value
			}
		}
	}
	return nil
}

func (e *Engine) storePending(ctx context.Context, client *storage.Client, userName string, challenge []byte, pending any) error {
	data, err := marshalPending(pending)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.cfg.Transactions.Store(ctx, client.ID, userName, challenge, data))
}

// retrievePending extracts the challenge committed to by a client
// response and pops the matching pending ceremony. An unknown, expired
// or consumed transaction is NOT_FOUND.
func (e *Engine) retrievePending(ctx context.Context, client *storage.Client, userName, clientData string) ([]byte, []byte, error) {
	challenge, err := u2f.ChallengeFromClientData(clientData)
	if err != nil {
		return nil, nil, api.BadInput("%v", err)
	}
	data, err := e.cfg.Transactions.Retrieve(ctx, client.ID, userName, transaction.ID(challenge))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil, api.NotFound("transaction not found")
		}
		return nil, nil, trace.Wrap(err)
	}
	return data, challenge, nil
}

func marshalPending(pending any) ([]byte, error) {
	data, err := json.Marshal(pending)
	return data, trace.Wrap(err)
}

func unmarshalPending(data []byte, pending any) error {
	if err := json.Unmarshal(data, pending); err != nil {
		return trace.BadParameter("invalid transaction payload: %v", err)
	}
	return nil
}
