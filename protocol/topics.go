// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "strings"

const (
	TopicRegisterDevice         = "iot/devices/register_device"
	TopicRegisterDeviceResponse = "iot/server/register_device_resp"
	TopicHealthcheck            = "iot/devices/healthcheck"
	TopicDeviceInfo             = "iot/devices/device_info"
	TopicRecognition            = "iot/devices/recognition"
	TopicDoorEvent              = "iot/devices/door_event"
)

const (
	pushPrefix = "iot/server/"
	pushSuffix = "/push_biometric"
)

// PushBiometricTopic returns the topic credential commands for
// deviceID are published on.
func PushBiometricTopic(deviceID string) string {
	return pushPrefix + deviceID + pushSuffix
}

// DeviceFromPushTopic extracts the device ID from a push_biometric
// topic.
func DeviceFromPushTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, pushPrefix) || !strings.HasSuffix(topic, pushSuffix) {
		return "", false
	}
	deviceID := topic[len(pushPrefix) : len(topic)-len(pushSuffix)]
	if deviceID == "" || strings.Contains(deviceID, "/") {
		return "", false
	}
	return deviceID, true
}
