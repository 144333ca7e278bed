package admission

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

func newTestGate(t *testing.T, cfg Config) (*Gate, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	g, err := NewGate(cfg, WithClock(mock))
	require.NoError(t, err)
	return g, mock
}

func solve(t *testing.T, c brainwave.Challenge) string {
	t.Helper()
	nonce, _, err := Solve(context.Background(), c.Token, c.Difficulty, 0)
	require.NoError(t, err)
	return nonce
}

// wrongNonce finds a nonce that does not meet the challenge.
func wrongNonce(c brainwave.Challenge) string {
	for i := 0; ; i++ {
		n := "bad" + strings.Repeat("x", i)
		if !Satisfies(c.Token, n, c.Difficulty) {
			return n
		}
	}
}

func TestIssueChallenge(t *testing.T) {
	g, mock := newTestGate(t, Config{Difficulty: 2})

	c, err := g.IssueChallenge(7)
	require.NoError(t, err)

	assert.Equal(t, uint32(7), c.NodeID)
	assert.Len(t, c.Token, 32, "16 random bytes hex encoded")
	assert.Equal(t, 2, c.Difficulty)
	assert.Equal(t, mock.Now(), c.IssuedAt)
	assert.Equal(t, mock.Now().Add(DefaultTimeout), c.ExpiresAt)
	assert.Equal(t, 1, g.Pending())

	_, err = g.IssueChallenge(0)
	assert.ErrorIs(t, err, ErrInvalidNodeID)
}

func TestVerifyProof_SingleRedemption(t *testing.T) {
	g, _ := newTestGate(t, Config{Difficulty: 2})

	c, err := g.IssueChallenge(7)
	require.NoError(t, err)
	nonce := solve(t, c)

	assert.True(t, g.VerifyProof(7, nonce))
	assert.False(t, g.VerifyProof(7, nonce), "a challenge can be redeemed once")
	assert.Equal(t, 0, g.Pending())
}

func TestVerifyProof_WrongNonceKeepsChallenge(t *testing.T) {
	g, _ := newTestGate(t, Config{Difficulty: 2})

	c, err := g.IssueChallenge(7)
	require.NoError(t, err)

	err = g.Admit(7, wrongNonce(c))
	assert.ErrorIs(t, err, ErrInvalidProof)
	assert.ErrorIs(t, err, brainwave.ErrAdmission)

	assert.True(t, g.VerifyProof(7, solve(t, c)), "a failed attempt does not consume the challenge")
}

func TestVerifyProof_NoChallenge(t *testing.T) {
	g, _ := newTestGate(t, Config{})

	err := g.Admit(9, "anything")
	assert.ErrorIs(t, err, ErrNoChallenge)
	assert.False(t, g.VerifyProof(9, "anything"))
}

func TestVerifyProof_Expired(t *testing.T) {
	g, mock := newTestGate(t, Config{Difficulty: 1, Timeout: time.Minute})

	c, err := g.IssueChallenge(7)
	require.NoError(t, err)
	nonce := solve(t, c)

	mock.Add(time.Minute + time.Millisecond)

	err = g.Admit(7, nonce)
	assert.ErrorIs(t, err, ErrChallengeExpired)
	assert.Equal(t, 0, g.Pending(), "expired challenge is discarded")
	assert.ErrorIs(t, g.Admit(7, nonce), ErrNoChallenge)
}

func TestVerifyProof_ExactlyAtTimeoutIsAccepted(t *testing.T) {
	g, mock := newTestGate(t, Config{Difficulty: 1, Timeout: time.Minute})

	c, err := g.IssueChallenge(7)
	require.NoError(t, err)
	nonce := solve(t, c)

	mock.Add(time.Minute)
	assert.True(t, g.VerifyProof(7, nonce))
}

func TestIssueChallenge_Overwrites(t *testing.T) {
	g, _ := newTestGate(t, Config{Difficulty: 2})

	first, err := g.IssueChallenge(7)
	require.NoError(t, err)
	firstNonce := solve(t, first)

	second, err := g.IssueChallenge(7)
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, 1, g.Pending())

	if !Satisfies(second.Token, firstNonce, second.Difficulty) {
		assert.False(t, g.VerifyProof(7, firstNonce), "the replaced challenge is gone")
	}
	assert.True(t, g.VerifyProof(7, solve(t, second)))
}

func TestSetDifficulty(t *testing.T) {
	g, _ := newTestGate(t, Config{Difficulty: 2})

	c, err := g.IssueChallenge(7)
	require.NoError(t, err)

	require.NoError(t, g.SetDifficulty(6))
	assert.Equal(t, 6, g.Difficulty())

	// outstanding challenge keeps its difficulty
	assert.True(t, g.VerifyProof(7, solve(t, c)))

	for _, d := range []int{0, -1, 9} {
		err := g.SetDifficulty(d)
		assert.ErrorIs(t, err, ErrDifficultyOutOfRange)
	}
	assert.Equal(t, 6, g.Difficulty())
}

func TestAdjustDifficulty(t *testing.T) {
	target := 5 * time.Second
	tests := []struct {
		name     string
		start    int
		observed time.Duration
		want     int
	}{
		{"fast solves raise", 4, 2 * time.Second, 5},
		{"slow solves lower", 4, 11 * time.Second, 3},
		{"within band unchanged", 4, 5 * time.Second, 4},
		{"exactly half unchanged", 4, 2500 * time.Millisecond, 4},
		{"exactly double unchanged", 4, 10 * time.Second, 4},
		{"clamped at max", 8, time.Millisecond, 8},
		{"clamped at min", 1, time.Hour, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGate(t, Config{Difficulty: tt.start})
			assert.Equal(t, tt.want, g.AdjustDifficulty(tt.observed, target))
			assert.Equal(t, tt.want, g.Difficulty())
		})
	}
}

func TestAdapt_UsesObservedSolveTimes(t *testing.T) {
	g, mock := newTestGate(t, Config{Difficulty: 1, TargetSolveTime: 10 * time.Second})

	_, adapted := g.Adapt()
	assert.False(t, adapted, "nothing to adapt to yet")

	for id := uint32(1); id <= 3; id++ {
		c, err := g.IssueChallenge(id)
		require.NoError(t, err)
		mock.Add(time.Second)
		require.True(t, g.VerifyProof(id, solve(t, c)))
	}

	avg, ok := g.AverageSolveTime()
	require.True(t, ok)
	assert.Equal(t, time.Second, avg)

	d, adapted := g.Adapt()
	assert.True(t, adapted)
	assert.Equal(t, 2, d)

	_, ok = g.AverageSolveTime()
	assert.False(t, ok, "window resets after Adapt")
}

func TestSweep(t *testing.T) {
	g, mock := newTestGate(t, Config{Timeout: time.Minute})

	_, err := g.IssueChallenge(1)
	require.NoError(t, err)
	mock.Add(40 * time.Second)
	_, err = g.IssueChallenge(2)
	require.NoError(t, err)
	mock.Add(30 * time.Second)

	assert.Equal(t, 1, g.Sweep())
	assert.Equal(t, 1, g.Pending())
	assert.ErrorIs(t, g.Admit(1, "x"), ErrNoChallenge)
}

func TestMaxChallenges_EvictsOldest(t *testing.T) {
	g, _ := newTestGate(t, Config{MaxChallenges: 2})

	for id := uint32(1); id <= 3; id++ {
		_, err := g.IssueChallenge(id)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, g.Pending())
	assert.ErrorIs(t, g.Admit(1, "x"), ErrNoChallenge)
}

func TestIssueChallenge_RateLimited(t *testing.T) {
	g, mock := newTestGate(t, Config{IssueRate: 1, IssueBurst: 2})

	_, err := g.IssueChallenge(1)
	require.NoError(t, err)
	_, err = g.IssueChallenge(2)
	require.NoError(t, err)

	_, err = g.IssueChallenge(3)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, errors.Is(err, brainwave.ErrAdmission))

	mock.Add(time.Second)
	_, err = g.IssueChallenge(3)
	assert.NoError(t, err)
}

func TestGate_Concurrent(t *testing.T) {
	g, _ := newTestGate(t, Config{Difficulty: 1})

	var wg sync.WaitGroup
	for id := uint32(1); id <= 50; id++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			c, err := g.IssueChallenge(id)
			if !assert.NoError(t, err) {
				return
			}
			nonce, _, err := Solve(context.Background(), c.Token, c.Difficulty, 0)
			if assert.NoError(t, err) {
				assert.True(t, g.VerifyProof(id, nonce))
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 0, g.Pending())
}

func TestNewGate_InvalidDifficulty(t *testing.T) {
	_, err := NewGate(Config{Difficulty: 12})
	assert.ErrorIs(t, err, ErrDifficultyOutOfRange)
}
