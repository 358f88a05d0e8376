package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/framepace/internal/canonical"
	"github.com/roach88/framepace/internal/policy"
)

func TestPolicy_Defaults(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "policy", "--votes", "24,30,60,120")
	require.NoError(t, err)

	resp, result := decodeResponse[PolicyResult](t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "defaults", result.Source)
	assert.Equal(t, "highest", result.Direction)
	assert.Equal(t, 4, result.MaxDivisor)

	want, err := canonical.Hash(DomainPolicy, policyPayload(policy.Default()))
	require.NoError(t, err)
	assert.Equal(t, want, result.Hash)

	divisors := make([]int, len(result.Divisors))
	for i, d := range result.Divisors {
		divisors[i] = d.Divisor
	}
	assert.Equal(t, []int{2, 2, 1, 1}, divisors)
}

func TestPolicy_File(t *testing.T) {
	out, _, err := execute(t, "policy", "--file", "../policy/testdata/video.cue", "--votes", "20,24")
	require.NoError(t, err)
	assert.Contains(t, out, "direction:       lowest")
	assert.Contains(t, out, "max_divisor:     3")
	// 60/3 = 20 Hz would meet a 20 Hz vote but not the 24 Hz floor.
	assert.Contains(t, out, "vote   20 -> divisor 2")
	assert.Contains(t, out, "vote   24 -> divisor 2")
}

func TestPolicy_HashChangesWithPolicy(t *testing.T) {
	a, err := canonical.Hash(DomainPolicy, policyPayload(policy.Default()))
	require.NoError(t, err)

	p := policy.Default()
	p.MaxDivisor = 2
	b, err := canonical.Hash(DomainPolicy, policyPayload(p))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
}

func TestPolicy_Invalid(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "policy", "--file", "../policy/testdata/unknown_field.cue")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp, _ := decodeResponse[any](t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodePolicy, resp.Error.Code)
}
