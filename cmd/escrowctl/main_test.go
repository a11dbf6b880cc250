package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwttoken "escrow/internal/jwt_token"
	"escrow/internal/milestone/catalog"
	"escrow/internal/platform/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCatalogList(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)

	t.Run("table", func(t *testing.T) {
		out, err := run(t, "catalog", "list")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		assert.Len(t, lines, len(cat.Definitions())+1)
		assert.True(t, strings.HasPrefix(lines[0], "CODE"))
	})

	t.Run("json", func(t *testing.T) {
		out, err := run(t, "catalog", "list", "--json")
		require.NoError(t, err)
		var defs []catalog.Definition
		require.NoError(t, json.Unmarshal([]byte(out), &defs))
		assert.Equal(t, cat.Definitions(), defs)
	})
}

func TestTokenIssue(t *testing.T) {
	party := uuid.New()
	out, err := run(t, "token", "issue", "--party", party.String(), "--role", "fulfilling_party")
	require.NoError(t, err)

	cfg := config.FromEnv()
	claims, err := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer).Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, party.String(), claims.PartyID)
	assert.Equal(t, "fulfilling_party", claims.Role)
}

func TestTokenIssueRejectsUnknownRole(t *testing.T) {
	_, err := run(t, "token", "issue", "--party", uuid.NewString(), "--role", "auditor")
	require.Error(t, err)
}

func TestLedgerReconcileNeedsContract(t *testing.T) {
	_, err := run(t, "ledger", "reconcile")
	require.Error(t, err)
}
