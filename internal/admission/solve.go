package admission

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// DefaultMaxAttempts bounds a client-side search.
const DefaultMaxAttempts = 1_000_000

// ErrSolveExhausted is returned when no nonce was found within the attempt budget.
var ErrSolveExhausted = errors.New("no proof found within attempt budget")

// Solve searches for a nonce that satisfies token at difficulty. Nonces
// are a random prefix followed by a counter, so concurrent solvers do not
// retrace each other. The search stops on ctx cancellation and has no
// side effects on any gate.
func Solve(ctx context.Context, token string, difficulty, maxAttempts int) (string, int, error) {
	if err := checkDifficulty(difficulty); err != nil {
		return "", 0, err
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	prefix := make([]byte, 4)
	if _, err := rand.Read(prefix); err != nil {
		return "", 0, fmt.Errorf("failed to seed solver: %w", err)
	}
	seed := hex.EncodeToString(prefix)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt%1024 == 0 {
			select {
			case <-ctx.Done():
				return "", attempt, ctx.Err()
			default:
			}
		}
		nonce := seed + strconv.FormatInt(int64(attempt), 36)
		if Satisfies(token, nonce, difficulty) {
			return nonce, attempt, nil
		}
	}
	return "", maxAttempts, ErrSolveExhausted
}
