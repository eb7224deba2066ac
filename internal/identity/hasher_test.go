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

package identity

import (
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSalt = "0123456789ABCDEF0123456789ABCDEF"

func TestNewHasher_RejectsShortSalt(t *testing.T) {
	_, err := NewHasher([]byte("short"))
	assert.ErrorIs(t, err, ErrSaltTooShort)
}

func TestHash_Deterministic(t *testing.T) {
	h, err := NewHasher([]byte(testSalt))
	require.NoError(t, err)

	first := h.Hash("caller-123")
	second := h.Hash("caller-123")

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
	assert.NotContains(t, first, "caller-123")
}

func TestHash_DistinctInputs(t *testing.T) {
	h, err := NewHasher([]byte(testSalt))
	require.NoError(t, err)

	assert.NotEqual(t, h.Hash("caller-1"), h.Hash("caller-2"))
}

func TestHash_SaltRotationChangesOutput(t *testing.T) {
	h1, err := NewHasher([]byte(testSalt))
	require.NoError(t, err)
	h2, err := NewHasher([]byte(strings.ToLower(testSalt)))
	require.NoError(t, err)

	assert.NotEqual(t, h1.Hash("caller-1"), h2.Hash("caller-1"))
}

func TestNewHasher_CopiesSalt(t *testing.T) {
	salt := []byte(testSalt)
	h, err := NewHasher(salt)
	require.NoError(t, err)
	before := h.Hash("caller-1")

	salt[0] = 'X'
	assert.Equal(t, before, h.Hash("caller-1"))
}

func TestHash_NoCollisionsAcrossCallers(t *testing.T) {
	h, err := NewHasher([]byte(testSalt))
	require.NoError(t, err)

	seen := make(map[string]string)
	for i := 0; i < 500; i++ {
		caller := gofakeit.UUID()
		hashed := h.Hash(caller)
		if prev, ok := seen[hashed]; ok {
			assert.Equal(t, prev, caller, "two callers share hash %s", hashed)
		}
		seen[hashed] = caller
	}
}
