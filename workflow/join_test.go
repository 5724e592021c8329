package workflow

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func vertex(class, id string, outgoing ...string) *Node {
	return &Node{Class: class, ID: id, Outgoing: outgoing}
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, DefaultJoinKey, JoinKey(vertex("D", "1")))
	assert.Equal(t, "E|1", JoinKey(vertex("B", "1", "E|1")))
	assert.Equal(t, "E|1F|2", JoinKey(vertex("B", "1", "E|1", "F|2")))
	assert.Equal(t, DefaultJoinKey, JoinKey(&Workflow{ID: "w", Class: "SubWorkflow"}))
}

func TestClassify(t *testing.T) {
	b := vertex("B", "1", "E|1")
	c := vertex("C", "2", "E|1")
	d := vertex("D", "3")
	f := vertex("F", "4", "G|1")

	groups := Classify([]Vertex{b, d, c, f})
	assert.Len(t, groups, 3)
	assert.Equal(t, []Vertex{b, c}, groups["E|1"])
	assert.Equal(t, []Vertex{d}, groups[DefaultJoinKey])
	assert.Equal(t, []Vertex{f}, groups["G|1"])

	assert.Empty(t, Classify(nil))
}

func TestClassify_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		targets := []string{"E|1", "F|2", "G|3"}
		count := rapid.IntRange(0, 12).Draw(t, "count")

		vertices := make([]Vertex, count)
		position := make(map[string]int, count)
		for i := range vertices {
			outgoing := rapid.SliceOfDistinct(rapid.SampledFrom(targets), rapid.ID[string]).Draw(t, fmt.Sprintf("out%d", i))
			vertices[i] = vertex("N", fmt.Sprint(i), outgoing...)
			position[vertices[i].Name()] = i
		}

		groups := Classify(vertices)

		total := 0
		for key, members := range groups {
			total += len(members)
			for _, m := range members {
				if JoinKey(m) != key {
					t.Fatalf("%s grouped under %q", m.Name(), key)
				}
				if key == DefaultJoinKey && len(m.Successors()) != 0 {
					t.Fatalf("%s has successors but uses the default key", m.Name())
				}
				if key != DefaultJoinKey && key != strings.Join(m.Successors(), "") {
					t.Fatalf("key %q does not match successors of %s", key, m.Name())
				}
			}
			// Input order is preserved inside a group.
			for i := 1; i < len(members); i++ {
				prev, cur := members[i-1].Name(), members[i].Name()
				if position[prev] > position[cur] {
					t.Fatalf("group %q out of order: %s before %s", key, prev, cur)
				}
			}
		}
		if total != count {
			t.Fatalf("classified %d of %d vertices", total, count)
		}
	})
}
