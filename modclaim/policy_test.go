package modclaim

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPolicy(t testing.TB) (*ClaimPolicy, Store) {
	t.Helper()
	store := newTestGormStore(t)
	return NewClaimPolicy(store, nil), store
}

func TestClaimPolicy_NotConfigured(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	policy, store := newTestPolicy(t)

	_, err := policy.Claim(ctx, "g1", "u1", "t1")
	require.ErrorIs(t, err, ErrNotConfigured)

	// bypass roles alone don't configure the guild
	_, err = policy.AddBypassRoles(ctx, "g1", "r1")
	require.NoError(t, err)
	_, err = policy.Claim(ctx, "g1", "u1", "t1")
	require.ErrorIs(t, err, ErrNotConfigured)

	err = policy.CanForceClaim(ctx, "g1", "mod", "u1", "t1")
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = store.GetRecord(ctx, "g1", "t1")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestClaimPolicy_QuotaScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	policy, store := newTestPolicy(t)
	require.NoError(t, policy.SetLimit(ctx, "g1", 1))

	rec, err := policy.Claim(ctx, "g1", "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, rec.Claimers)

	_, err = policy.Claim(ctx, "g1", "u1", "t2")
	require.ErrorIs(t, err, ErrQuotaExceeded)

	require.NoError(t, policy.Unclaim(ctx, "g1", "u1", "t1"))
	rec, err = store.GetRecord(ctx, "g1", "t1")
	require.NoError(t, err)
	assert.Empty(t, rec.Claimers)

	rec, err = policy.Claim(ctx, "g1", "u1", "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, rec.Claimers)
}

func TestClaimPolicy_QuotaRestoresOne(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	policy, _ := newTestPolicy(t)
	const limit = 3
	require.NoError(t, policy.SetLimit(ctx, "g1", limit))

	for n := 0; n < limit; n++ {
		_, err := policy.Claim(ctx, "g1", "u1", fmt.Sprintf("t%d", n))
		require.NoError(t, err)
	}
	require.ErrorIs(t, policy.CanClaim(ctx, "g1", "u1", "t-next"), ErrQuotaExceeded)

	require.NoError(t, policy.Unclaim(ctx, "g1", "u1", "t0"))
	_, err := policy.Claim(ctx, "g1", "u1", "t-next")
	require.NoError(t, err)
	require.ErrorIs(t, policy.CanClaim(ctx, "g1", "u1", "t-another"), ErrQuotaExceeded)

	// the quota is per user
	_, err = policy.Claim(ctx, "g1", "u2", "t-another")
	require.NoError(t, err)
}

func TestClaimPolicy_UnlimitedNeverDeniesQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	policy, _ := newTestPolicy(t)
	require.NoError(t, policy.SetLimit(ctx, "g1", 0))

	for n := 0; n < 25; n++ {
		_, err := policy.Claim(ctx, "g1", "u1", fmt.Sprintf("t%d", n))
		require.NoError(t, err)
	}
	claims, err := policy.UserClaims(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Len(t, claims, 25)
}

func TestClaimPolicy_AlreadyClaimed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	policy, _ := newTestPolicy(t)
	require.NoError(t, policy.SetLimit(ctx, "g1", 0))

	_, err := policy.Claim(ctx, "g1", "u1", "t1")
	require.NoError(t, err)

	_, err = policy.Claim(ctx, "g1", "u2", "t1")
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	_, err = policy.Claim(ctx, "g1", "u1", "t1")
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	denial, ok := AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, DenialAlreadyClaimed, denial.Kind)
	assert.Equal(t, "Thread is already claimed", denial.Message)
}

func TestClaimPolicy_Unclaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	policy, store := newTestPolicy(t)
	require.NoError(t, policy.SetLimit(ctx, "g1", 0))

	require.ErrorIs(t, policy.Unclaim(ctx, "g1", "u1", "t1"), ErrNotClaimedByActor)

	_, err := policy.Claim(ctx, "g1", "u1", "t1")
	require.NoError(t, err)
	require.ErrorIs(t, policy.Unclaim(ctx, "g1", "u2", "t1"), ErrNotClaimedByActor)

	require.NoError(t, policy.Unclaim(ctx, "g1", "u1", "t1"))
	require.ErrorIs(t, policy.Unclaim(ctx, "g1", "u1", "t1"), ErrNotClaimedByActor)

	_, err = store.GetRecord(ctx, "g1", "t1")
	require.NoError(t, err, "unclaim keeps the record")
}

func TestClaimPolicy_ForceClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	policy, _ := newTestPolicy(t)
	require.NoError(t, policy.SetLimit(ctx, "g1", 1))

	_, err := policy.Claim(ctx, "g1", "u1", "t1")
	require.NoError(t, err)

	// overwrites the existing claim
	rec, err := policy.ForceClaim(ctx, "g1", "mod", "u2", "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, rec.Claimers)

	// u1's capacity is restored by the overwrite
	_, err = policy.Claim(ctx, "g1", "u1", "t2")
	require.NoError(t, err)

	// the target's quota is checked, not the actor's
	_, err = policy.ForceClaim(ctx, "g1", "mod", "u2", "t3")
	require.ErrorIs(t, err, ErrQuotaExceeded)
	_, err = policy.ForceClaim(ctx, "g1", "u1", "u3", "t3")
	require.NoError(t, err)
}

func TestClaimPolicy_CanReplyGrid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	policy, _ := newTestPolicy(t)
	require.NoError(t, policy.SetLimit(ctx, "g1", 0))
	_, err := policy.Claim(ctx, "g1", "claimer", "t1")
	require.NoError(t, err)
	_, err = policy.AddBypassRoles(ctx, "g1", "bypass")
	require.NoError(t, err)

	for _, automated := range []bool{false, true} {
		for _, isClaimer := range []bool{false, true} {
			for _, hasBypass := range []bool{false, true} {
				name := fmt.Sprintf(
					"automated=%t/claimer=%t/bypass=%t",
					automated, isClaimer, hasBypass,
				)
				t.Run(
					name, func(t *testing.T) {
						actorID := "other"
						if isClaimer {
							actorID = "claimer"
						}
						roles := []string{"unrelated"}
						if hasBypass {
							roles = append(roles, "bypass")
						}
						err := policy.CanReply(ctx, "g1", actorID, "t1", roles, automated)
						if automated || isClaimer || hasBypass {
							assert.NoError(t, err)
						} else {
							assert.ErrorIs(t, err, ErrClaimedByOther)
						}
					},
				)
			}
		}
	}
}

func TestClaimPolicy_CanReplyUnclaimed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	policy, store := newTestPolicy(t)

	// no record at all
	require.NoError(t, policy.CanReply(ctx, "g1", "u1", "t1", nil, false))

	// a record without claimers
	_, err := store.UpsertRecord(ctx, "g1", "t1", nil)
	require.NoError(t, err)
	require.NoError(t, policy.CanReply(ctx, "g1", "u1", "t1", nil, false))
}

func TestClaimPolicy_BypassRoleScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	policy, _ := newTestPolicy(t)
	require.NoError(t, policy.SetLimit(ctx, "g1", 1))
	_, err := policy.Claim(ctx, "g1", "u1", "t1")
	require.NoError(t, err)

	err = policy.CanReply(ctx, "g1", "u2", "t1", nil, false)
	require.ErrorIs(t, err, ErrClaimedByOther)
	denial, ok := AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, "This thread has been claimed by another user.", denial.Message)

	// holding the role before it's a bypass role doesn't help
	require.ErrorIs(t, policy.CanReply(ctx, "g1", "u2", "t1", []string{"r"}, false), ErrClaimedByOther)

	_, err = policy.AddBypassRoles(ctx, "g1", "r")
	require.NoError(t, err)
	require.NoError(t, policy.CanReply(ctx, "g1", "u2", "t1", []string{"r"}, false))
}

func TestClaimPolicy_BypassRoles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	policy, _ := newTestPolicy(t)

	once, err := policy.AddBypassRoles(ctx, "g1", "r1")
	require.NoError(t, err)
	twice, err := policy.AddBypassRoles(ctx, "g1", "r1")
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	roles, err := policy.AddBypassRoles(ctx, "g1", "r2", "r3")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, roles)

	roles, err = policy.RemoveBypassRole(ctx, "g1", "r2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "r3"}, roles)

	_, err = policy.RemoveBypassRole(ctx, "g1", "r2")
	require.ErrorIs(t, err, ErrNotInBypassList)
	denial, ok := AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, "`r2` is not in the bypass list", denial.Message)
}

func TestClaimPolicy_SetLimitNegative(t *testing.T) {
	t.Parallel()
	policy, _ := newTestPolicy(t)
	require.ErrorIs(t, policy.SetLimit(context.Background(), "g1", -1), errInvalidLimit)
}

func TestClaimPolicy_AddRemoveClaimerRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, store := newTestPolicy(t)

	before, err := store.UpsertRecord(ctx, "g1", "t1", []string{"u1"})
	require.NoError(t, err)

	require.NoError(t, store.AddClaimer(ctx, "g1", "t1", "u2"))
	require.NoError(t, store.RemoveClaimer(ctx, "g1", "t1", "u2"))

	after, err := store.GetRecord(ctx, "g1", "t1")
	require.NoError(t, err)
	assert.Equal(t, before.Claimers, after.Claimers)
}

func TestDenialError_Is(t *testing.T) {
	t.Parallel()
	wrapped := fmt.Errorf("wrapped: %w", notInBypassList("123"))
	assert.ErrorIs(t, wrapped, ErrNotInBypassList)
	assert.NotErrorIs(t, wrapped, ErrClaimedByOther)

	denial, ok := AsDenial(wrapped)
	require.True(t, ok)
	assert.Equal(t, DenialNotInBypassList, denial.Kind)

	_, ok = AsDenial(ErrRecordNotFound)
	assert.False(t, ok)
}
