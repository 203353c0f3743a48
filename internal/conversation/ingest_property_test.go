package conversation_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestIngestIsIdempotentProperty verifies spec.md §8's ingest invariant:
// re-ingesting the same root event any number of times returns the same
// conversation root and never duplicates the thread.
func TestIngestIsIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("re-ingesting a root event is a no-op past the first call", prop.ForAll(
		func(eventID, pubkey, content string, repeats int) bool {
			coord := newCoordinator(t)
			ctx := context.Background()
			ev := rootEvent(eventID, pubkey, content, time.Now())

			firstRoot, err := coord.Ingest(ctx, ev)
			if err != nil {
				return false
			}

			for i := 0; i < repeats; i++ {
				root, err := coord.Ingest(ctx, ev)
				if err != nil || root != firstRoot {
					return false
				}
			}

			thread, err := coord.ThreadFor(eventID, pubkey, nil)
			if err != nil {
				return false
			}
			return len(thread) == 1
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.AlphaString(),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
