package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyJSONOmitsKeyHash(t *testing.T) {
	key := APIKey{
		ID:        uuid.New(),
		Principal: uuid.New(),
		Name:      "ci pipeline",
		KeyPrefix: "tvn_live_a1b2",
		KeyHash:   "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}

	raw, err := json.Marshal(key)
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "key_hash")
	assert.NotContains(t, string(raw), key.KeyHash)
	assert.Contains(t, string(raw), "key_prefix")
}
