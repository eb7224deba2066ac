/*
Copyright 2024 Blnk Finance Authors.

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

// Package identity turns raw caller identifiers into pseudonymous keys.
//
// The salt is loaded once at startup. Rotating it changes every hash, so records
// written under the old salt can no longer be found. That is accepted: records are
// short lived and expire through their TTL.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// MinSaltLength is the shortest salt the hasher accepts.
const MinSaltLength = 16

var ErrSaltTooShort = errors.New("identity salt must be at least 16 bytes")

// Hasher derives pseudonymous caller keys.
type Hasher struct {
	salt []byte
}

// NewHasher creates a hasher keyed with salt.
//
// Parameters:
// - salt []byte: The process-wide secret. It is copied, so later changes to the slice have no effect.
//
// Returns:
// - *Hasher: The hasher.
// - error: ErrSaltTooShort if the salt is shorter than MinSaltLength.
func NewHasher(salt []byte) (*Hasher, error) {
	if len(salt) < MinSaltLength {
		return nil, ErrSaltTooShort
	}
	return &Hasher{salt: append([]byte(nil), salt...)}, nil
}

// Hash returns the hex encoded HMAC-SHA256 of rawID. The same input always yields the
// same output for the lifetime of the salt.
func (h *Hasher) Hash(rawID string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(rawID))
	return hex.EncodeToString(mac.Sum(nil))
}
