package orchestrator

import "github.com/Sh00ty/patrol/internal/models"

// Reduce applies the 2-of-3 vote. Without a majority the consensus is the
// error outcome.
func Reduce(outcomes [models.QuorumSize]string) string {
	r0, r1, r2 := outcomes[0], outcomes[1], outcomes[2]
	switch {
	case r0 == r1 || r0 == r2:
		return r0
	case r1 == r2:
		return r1
	}
	return models.OutcomeError
}
