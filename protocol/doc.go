// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol is the wire contract between enrollment stations,
// access devices, the broker, and the identity service.
//
// Every broker payload is UTF-8 JSON. Field names follow the deployed
// server exactly, which is why they mix PascalCase (device messages)
// and camelCase (credential commands).
//
// Device to server:
//
//	iot/devices/register_device   RegisterDevice
//	iot/devices/healthcheck       Healthcheck
//	iot/devices/device_info       DeviceInfo (room discovery broadcast)
//	iot/devices/recognition       RecognitionEvent
//	iot/devices/door_event        DoorEvent
//
// Server to device:
//
//	iot/server/register_device_resp        RegisterDeviceResponse
//	iot/server/{deviceId}/push_biometric   []Command
//
// The identity service is plain HTTP: POST [TokenPath] with a
// [TokenRequest], answered by a [TokenResponse].
package protocol
