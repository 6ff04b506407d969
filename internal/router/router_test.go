package router

import (
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinIsExclusive(t *testing.T) {
	r := New()

	assert.Empty(t, r.Join("s1", "a"))
	assert.ElementsMatch(t, []string{"a"}, r.MembersOf("s1"))

	assert.Equal(t, "s1", r.Join("s2", "a"))
	assert.Empty(t, r.MembersOf("s1"))
	assert.ElementsMatch(t, []string{"a"}, r.MembersOf("s2"))

	sessionID, ok := r.SessionOf("a")
	assert.True(t, ok)
	assert.Equal(t, "s2", sessionID)

	_, ok = r.Info("s1")
	assert.False(t, ok, "empty session is pruned")
}

func TestRejoinSameSession(t *testing.T) {
	r := New()
	r.Join("s1", "a")
	r.Join("s1", "b")

	assert.Equal(t, "s1", r.Join("s1", "a"))
	assert.ElementsMatch(t, []string{"a", "b"}, r.MembersOf("s1"))
}

func TestLeave(t *testing.T) {
	r := New()

	_, ok := r.Leave("ghost")
	assert.False(t, ok)

	r.Join("s1", "a")
	r.Join("s1", "b")

	sessionID, ok := r.Leave("a")
	require.True(t, ok)
	assert.Equal(t, "s1", sessionID)
	assert.ElementsMatch(t, []string{"b"}, r.MembersOf("s1"))

	_, ok = r.SessionOf("a")
	assert.False(t, ok)

	r.Leave("b")
	assert.Zero(t, r.Count())
	assert.Empty(t, r.Active())
}

func TestInfoAndActive(t *testing.T) {
	r := New()
	r.Join("s1", "a")
	r.Join("s1", "b")
	r.Join("s2", "c")

	info, ok := r.Info("s1")
	require.True(t, ok)
	assert.Equal(t, 2, info.Members)
	assert.False(t, info.CreatedAt.IsZero())

	r.Touch("s1")
	touched, _ := r.Info("s1")
	assert.False(t, touched.LastActivity.Before(info.LastActivity))

	assert.Equal(t, map[string]int{"s1": 2, "s2": 1}, r.Active())
	assert.Equal(t, 2, r.Count())

	r.Touch("missing")
}

func TestMembersOfReturnsCopy(t *testing.T) {
	r := New()
	r.Join("s1", "a")

	members := r.MembersOf("s1")
	members[0] = "mutated"
	assert.ElementsMatch(t, []string{"a"}, r.MembersOf("s1"))
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			for j := 0; j < 200; j++ {
				r.Join(fmt.Sprintf("s%d", j%3), id)
				if j%5 == 0 {
					r.Leave(id)
				}
			}
			r.Join("final", id)
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.MembersOf("final"), 20)
	assert.Equal(t, map[string]int{"final": 20}, r.Active())
}

type op struct {
	Conn    int
	Session int
	Leave   bool
}

func TestMembershipExclusivityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	opGen := gopter.CombineGens(
		gen.IntRange(0, 5),
		gen.IntRange(0, 3),
		gen.Bool(),
	).Map(func(v []interface{}) op {
		return op{Conn: v[0].(int), Session: v[1].(int), Leave: v[2].(bool)}
	})

	properties.Property("every connection is a member of exactly the session it is bound to", prop.ForAll(
		func(ops []op) bool {
			r := New()
			for _, o := range ops {
				id := fmt.Sprintf("c%d", o.Conn)
				if o.Leave {
					r.Leave(id)
				} else {
					r.Join(fmt.Sprintf("s%d", o.Session), id)
				}
			}

			seen := make(map[string]string)
			for s := 0; s < 4; s++ {
				sessionID := fmt.Sprintf("s%d", s)
				for _, id := range r.MembersOf(sessionID) {
					if _, dup := seen[id]; dup {
						return false
					}
					seen[id] = sessionID
				}
			}
			for c := 0; c < 6; c++ {
				id := fmt.Sprintf("c%d", c)
				bound, ok := r.SessionOf(id)
				if ok != (seen[id] != "") || bound != seen[id] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(opGen),
	))

	properties.TestingRun(t)
}
