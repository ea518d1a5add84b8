// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// turnstile-device is the daemon that runs on each access device.
//
// It keeps a session with the broker, applies credential commands
// pushed to iot/server/{deviceId}/push_biometric to the local store,
// and decides access for readings delivered by the sensor drivers
// through a local HTTP API. Granted decisions pulse the door relay.
// Recognition and door events are published, or queued in the outbox
// while the broker is unreachable.
//
// On every connect the device announces itself with register_device
// and device_info. While connected it publishes a healthcheck on a
// fixed interval carrying the device time, a digest of its credential
// set, and the outbox backlog.
//
// Local API (default 127.0.0.1:9100):
//
//	GET    /healthz                   liveness
//	GET    /metrics                   Prometheus metrics
//	GET    /v1/status                 session, store and outbox summary
//	GET    /v1/credentials/{bioID}    one stored credential, without templates
//	POST   /v1/scans/{kind}           start a face, finger or rfid scan
//	DELETE /v1/scans/{kind}           cancel it
//	POST   /v1/readings/{kind}        a reading from the sensor driver
//	POST   /v1/door                   door contact state {"open": bool}
package main
