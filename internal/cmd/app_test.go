package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ob-poc/runbook-engine/internal/policy"
	"github.com/ob-poc/runbook-engine/internal/registry"
	"github.com/ob-poc/runbook-engine/internal/verbs"
)

func TestContractsFromSnapshotsParsesVerbsAndMacros(t *testing.T) {
	snaps := []registry.Snapshot{
		{Kind: registry.KindVerbContract, Name: "case.create", Version: 1,
			Payload: []byte("fqn: case.create\nproduces: [case]\n")},
		{Kind: registry.KindPolicyRule, Name: "deny-all", Version: 1, Payload: []byte("{}")},
		{Kind: registry.KindMacro, Name: "kyc.setup", Version: 1,
			Payload: []byte("fqn: kyc.setup\nexpands_to:\n  - verb: case.create\n")},
	}

	contracts, warnings, err := contractsFromSnapshots(snaps)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Len(t, contracts, 2)

	byName := make(map[string]verbs.Contract, len(contracts))
	for _, c := range contracts {
		byName[c.Name] = c
	}
	assert.Equal(t, verbs.KindPrimitive, byName["case.create"].Kind)
	assert.Equal(t, verbs.KindMacro, byName["kyc.setup"].Kind)
}

func TestContractsFromSnapshotsWarnsOnUnknownExpansion(t *testing.T) {
	snaps := []registry.Snapshot{
		{Kind: registry.KindMacro, Name: "kyc.setup", Version: 1,
			Payload: []byte("fqn: kyc.setup\nexpands_to:\n  - verb: not.shipped\n")},
	}

	_, warnings, err := contractsFromSnapshots(snaps)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
}

func TestPolicyFilterAdapterDeniesUnparseableClearance(t *testing.T) {
	ctx := context.Background()
	engine, err := policy.NewEngine(ctx, policy.DefaultBundle)
	require.NoError(t, err)

	adapter := &policyFilterAdapter{engine: engine}
	allowed, err := adapter.Allow(ctx, "not-a-real-clearance", "case.create")
	require.NoError(t, err, "an unparseable clearance is an explicit deny, not an availability error")
	assert.False(t, allowed)
}
