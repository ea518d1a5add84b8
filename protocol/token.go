// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"crypto/sha256"
	"encoding/base64"
)

// TokenPath is the identity service endpoint that issues broker
// credentials.
const TokenPath = "/api/devicecomm/getmqtttoken"

// TokenCodeOK is the only success code.
const TokenCodeOK = "OK"

// TokenRequest is the body POSTed to TokenPath.
type TokenRequest struct {
	MacAddress string `json:"macAddress"`
	Password   string `json:"password"`
}

// TokenResponse is the identity service's reply.
type TokenResponse struct {
	Code string     `json:"code"`
	Data *TokenData `json:"data"`
}

// TokenData carries the broker credentials.
type TokenData struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// HashPassword derives the device password sent to the identity
// service and in RegisterDevice: base64(sha256(deviceID + salt)).
func HashPassword(deviceID, salt string) string {
	sum := sha256.Sum256([]byte(deviceID + salt))
	return base64.StdEncoding.EncodeToString(sum[:])
}
