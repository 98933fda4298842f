// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toletglobe/credcore/pkg/errutil"
)

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, SchemaID, schema["$id"])
	assert.Equal(t, "credcore configuration", schema["title"])
	assert.Equal(t, false, schema["additionalProperties"])
	assert.NotContains(t, schema, "required")

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"log", "database", "auth", "session", "mail", "observability", "janitor"} {
		assert.Contains(t, props, key)
	}

	session := props["session"].(map[string]any)["properties"].(map[string]any)
	ttl := session["ttl"].(map[string]any)
	assert.Equal(t, "string", ttl["type"])
	assert.Equal(t, durationPattern, ttl["pattern"])
}

func TestValidateDocument(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		valid bool
	}{
		{"empty", "", true},
		{"full sections", "log:\n  level: debug\nsession:\n  ttl: 90m\nmail:\n  smtp:\n    port: 2525\n", true},
		{"unknown top-level key", "logging:\n  level: debug\n", false},
		{"unknown nested key", "session:\n  lifetime: 1h\n", false},
		{"duration as number", "session:\n  ttl: 3600\n", false},
		{"malformed duration", "auth:\n  reset_ttl: fifteen minutes\n", false},
		{"port as string", "mail:\n  smtp:\n    port: twenty-five\n", false},
		{"flag as string", "auth:\n  require_verified_to_login: maybe\n", false},
		{"not yaml", "log: [unterminated\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDocument([]byte(tt.doc))
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "CONFIG_SCHEMA_INVALID")
		})
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "sesion:\n  ttl: 1h\n")
	_, err := Load(LoadOptions{Path: path, LookupEnv: noEnv})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_SCHEMA_INVALID")
	errutil.AssertErrorContext(t, err, "path", path)
}
