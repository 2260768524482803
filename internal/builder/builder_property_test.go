//go:build property

package builder

import (
	"fmt"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genOps produces state mutations. A value n >= 0 adds doc-n; a negative
// value removes doc-(-n-1).
func genOps() gopter.Gen {
	return gen.SliceOf(gen.IntRange(-10, 9))
}

func decode(v int) (id string, n int, add bool) {
	if v < 0 {
		n = -v - 1
	} else {
		n, add = v, true
	}

	return fmt.Sprintf("doc-%d", n), n, add
}

// TestStateConvergenceProperties checks that the written id list always
// equals the set of ids whose last operation was an add, whatever the order.
func TestStateConvergenceProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1337)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("changed reports the net live set", prop.ForAll(
		func(ops []int) bool {
			st := newState([]string{"Post"})
			want := make(map[string]bool)
			for _, v := range ops {
				id, _, add := decode(v)
				if add {
					st.add("Post", id)
				} else {
					st.remove("Post", id)
				}
				want[id] = add
			}

			var ids []string
			for id, live := range want {
				if live {
					ids = append(ids, id)
				}
			}
			sort.Strings(ids)

			changes := st.changed()
			if len(changes) != 1 || changes[0].documentType != "Post" {
				return false
			}
			if !equal(changes[0].ids, ids) {
				return false
			}
			st.written("Post", changes[0].ids)

			return len(st.changed()) == 0
		},
		genOps(),
	))

	properties.Property("add and remove report transitions", prop.ForAll(
		func(ops []int) bool {
			st := newState([]string{"Post"})
			live := make(map[int]bool)
			for _, v := range ops {
				id, n, add := decode(v)
				if add {
					if st.add("Post", id) == live[n] {
						return false
					}
				} else if st.remove("Post", id) != live[n] {
					return false
				}
				live[n] = add
			}

			return true
		},
		genOps(),
	))

	properties.TestingRun(t)
}
