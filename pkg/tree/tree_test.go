package tree

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

func buildTree(t *testing.T, spec *NodeSpec) *Tree {
	t.Helper()
	tr, err := Build(spec)
	require.NoError(t, err)
	return tr
}

func mustLookup(t *testing.T, tr *Tree, path string) NodeID {
	t.Helper()
	id, err := tr.Lookup(path)
	require.NoError(t, err)
	return id
}

func TestBuildAssignsPaths(t *testing.T) {
	tr := buildTree(t, Serial().
		Add("build", Exec("make")).
		Add("tests", Parallel().
			Add("unit", Exec("go test ./...")).
			Add("lint", Exec("golangci-lint run"))))

	assert.Equal(t, 5, tr.Len())
	root := tr.Node(tr.Root())
	assert.Equal(t, RootPath, root.Path)
	assert.Equal(t, NoNode, root.Parent)

	unit := tr.Node(mustLookup(t, tr, "/tests/unit"))
	assert.Equal(t, domain.KindExec, unit.Kind)
	assert.Equal(t, "go test ./...", unit.Payload.Command)
	assert.Equal(t, domain.StatusPending, unit.Status)

	// leading slash and trailing slash are optional
	assert.Equal(t, unit.ID, mustLookup(t, tr, "tests/unit/"))

	_, err := tr.Lookup("/tests/nope")
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)
}

func TestAddChildErrors(t *testing.T) {
	tr := buildTree(t, Serial().Add("a", Exec("true")))

	_, err := tr.AddChild("/", "a", Exec("false"))
	var dup *domain.DuplicatePathError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "/a", dup.Path)

	_, err = tr.AddChild("/a", "b", Exec("true"))
	var bad *domain.InvalidParentError
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, "/a", bad.Path)

	_, err = tr.AddChild("/", "x/y", Exec("true"))
	assert.ErrorIs(t, err, domain.ErrInvalidParams)

	_, err = tr.AddChild("/missing", "b", Exec("true"))
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)

	// a failing subtree leaves nothing behind
	_, err = tr.AddChild("/", "group", Serial().Add("ok", Exec("true")).Add("bad", Serial().Add("x", Exec(""))))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	_, err = tr.Lookup("/group")
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)

	tr.MarkStarted(mustLookup(t, tr, "/a"))
	_, err = tr.AddChild("/", "late", Exec("true"))
	assert.ErrorIs(t, err, domain.ErrInvalidParent)
}

func TestExecWithChildrenRejected(t *testing.T) {
	spec := Exec("true")
	spec.Children = []*NodeSpec{Exec("false")}
	_, err := Build(Serial().Add("a", spec))
	assert.ErrorIs(t, err, domain.ErrInvalidParent)
}

func TestResolveParamsInheritance(t *testing.T) {
	tr := buildTree(t, Serial(
		WithImage(domain.ImageSpec{Name: "python:3.12"}),
		WithEnv(map[string]string{"STAGE": "ci", "REGION": "eu"}),
		WithCPU(2),
	).
		Add("train", Serial(WithEnv(map[string]string{"REGION": "us"}), WithStopOnError(false)).
			Add("fit", Exec("python fit.py", WithMem(16), WithDoc("fit the model"))).
			Add("eval", Exec("python eval.py", WithImage(domain.ImageSpec{Name: "python:3.11"})))))

	fit := tr.ResolveParams(mustLookup(t, tr, "/train/fit"))
	assert.Equal(t, "python:3.12", fit.Image.Name)
	assert.Equal(t, map[string]string{"STAGE": "ci", "REGION": "us"}, fit.Env)
	assert.Equal(t, 2.0, fit.CPU)
	assert.Equal(t, 16.0, fit.Mem)
	assert.False(t, fit.StopOnError)

	eval := tr.ResolveParams(mustLookup(t, tr, "/train/eval"))
	assert.Equal(t, "python:3.11", eval.Image.Name)
	assert.Equal(t, domain.DefaultMemGB, eval.Mem)

	root := tr.ResolveParams(tr.Root())
	assert.True(t, root.StopOnError)
	assert.False(t, root.RequiresDocker)
}

func TestResolveSeesLaterModification(t *testing.T) {
	tr := buildTree(t, Serial().Add("a", Exec("env")))
	a := mustLookup(t, tr, "/a")
	assert.Empty(t, tr.ResolveParams(a).Env)

	require.NoError(t, tr.SetParams("/", domain.ParamsPatch{Set: domain.Params{Env: map[string]string{"FOO": "bar"}}}))
	assert.Equal(t, "bar", tr.ResolveParams(a).Env["FOO"])

	require.NoError(t, tr.SetParams("/", domain.ParamsPatch{UnsetEnv: []string{"FOO"}}))
	assert.Empty(t, tr.ResolveParams(a).Env)

	err := tr.SetParams("/a", domain.ParamsPatch{Set: domain.Params{Mem: domain.Ptr(0.0)}})
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestSkipAndDocAreNotInherited(t *testing.T) {
	tr := buildTree(t, Serial(WithSkip(), WithDoc("parent")).Add("a", Exec("true")))
	a := tr.Node(mustLookup(t, tr, "/a"))
	assert.False(t, a.Params.Skip)
	assert.Empty(t, a.Params.Doc)
	assert.True(t, tr.EffectivelySkipped(a.ID))
}

func TestSameContainerScope(t *testing.T) {
	tr := buildTree(t, Serial().
		Add("free", Exec("true")).
		Add("shared", Serial(WithSameContainer(domain.SameContainerNew)).
			Add("a", Exec("true")).
			Add("b", Exec("true", WithSameContainer(domain.SameContainerInherit))).
			Add("inner", Parallel(WithSameContainer(domain.SameContainerNew)).
				Add("c", Exec("true")))))

	_, ok := tr.SameContainerScope(mustLookup(t, tr, "/free"))
	assert.False(t, ok)

	shared := mustLookup(t, tr, "/shared")
	for _, p := range []string{"/shared/a", "/shared/b"} {
		scope, ok := tr.SameContainerScope(mustLookup(t, tr, p))
		require.True(t, ok, p)
		assert.Equal(t, shared, scope, p)
	}

	scope, ok := tr.SameContainerScope(mustLookup(t, tr, "/shared/inner/c"))
	require.True(t, ok)
	assert.Equal(t, mustLookup(t, tr, "/shared/inner"), scope)
}

func TestLazyNodeShape(t *testing.T) {
	tr := buildTree(t, Serial().Add("fanout", Lazy("./gen.sh", WithEnv(map[string]string{"N": "3"}))))

	wrapper := tr.Node(mustLookup(t, tr, "/fanout"))
	assert.Equal(t, domain.KindSerial, wrapper.Kind)
	require.Len(t, wrapper.Children, 2)

	gen := tr.Node(mustLookup(t, tr, "/fanout/Generate"))
	exe := tr.Node(mustLookup(t, tr, "/fanout/Execute"))
	assert.Equal(t, domain.KindExec, gen.Kind)
	assert.Equal(t, "./gen.sh", gen.Payload.Command)
	assert.True(t, exe.Lazy)
	assert.False(t, exe.Expanded)
	assert.Equal(t, gen.ID, exe.Generator)
	assert.Equal(t, exe.ID, gen.Target)
	assert.Equal(t, "3", tr.ResolveParams(gen.ID).Env["N"])

	_, err := tr.AddChild("/fanout/Execute", "x", Exec("true"))
	assert.ErrorIs(t, err, domain.ErrInvalidParent)

	sub := Parallel(WithCPU(4))
	for i := range 3 {
		sub.Add(fmt.Sprintf("shard%d", i), Exec(fmt.Sprintf("./work %d", i)))
	}
	require.NoError(t, tr.Splice(exe.ID, sub))
	assert.True(t, exe.Expanded)
	assert.Equal(t, domain.KindParallel, exe.Kind)
	assert.Len(t, exe.Children, 3)
	assert.Equal(t, 4.0, tr.ResolveParams(mustLookup(t, tr, "/fanout/Execute/shard2")).CPU)

	assert.Error(t, tr.Splice(exe.ID, sub), "a placeholder expands once")

	tr.ClearExpansion(exe.ID)
	assert.False(t, exe.Expanded)
	assert.Empty(t, exe.Children)
	_, err = tr.Lookup("/fanout/Execute/shard0")
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)
	assert.Equal(t, 4, tr.Len())

	require.NoError(t, tr.Splice(exe.ID, Exec("echo single")))
	assert.Equal(t, "echo single", tr.Node(mustLookup(t, tr, "/fanout/Execute/0")).Payload.Command)
}

func TestSnapshotRestore(t *testing.T) {
	tr := buildTree(t, Serial(WithEnv(map[string]string{"A": "1"})).
		Add("first", Exec("true", WithMaxTime(time.Minute))).
		Add("fan", Lazy("./gen")))
	first := tr.Node(mustLookup(t, tr, "/first"))
	first.Status = domain.StatusDone
	first.Runs = append(first.Runs, domain.Run{Number: 1, Status: domain.StatusDone, Command: "true"})
	require.NoError(t, tr.Splice(mustLookup(t, tr, "/fan/Execute"), Serial().Add("x", Exec("true"))))

	restored, err := Restore(tr.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, tr.Len(), restored.Len())
	assert.Equal(t, tr.Snapshot(), restored.Snapshot())

	exe := restored.Node(mustLookup(t, restored, "/fan/Execute"))
	assert.Equal(t, mustLookup(t, restored, "/fan/Generate"), exe.Generator)
	assert.Equal(t, time.Minute, restored.ResolveParams(mustLookup(t, restored, "/first")).MaxTime)

	_, err = Restore(State{})
	assert.Error(t, err)
	_, err = Restore(State{Nodes: []NodeState{{Path: "/", Kind: domain.KindSerial}, {Path: "/a", Name: "a", Parent: "/missing", Kind: domain.KindExec}}})
	assert.Error(t, err)
}

// Every resolved field equals the nearest explicit setting on the path to
// the root, or the default when none is set.
func TestResolveParamsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		depth := rapid.IntRange(1, 6).Draw(rt, "depth")
		cpus := make([]*float64, depth+1)
		envs := make([]map[string]string, depth+1)

		spec := Serial()
		cur := spec
		for i := 0; i <= depth; i++ {
			if rapid.Bool().Draw(rt, fmt.Sprintf("setcpu%d", i)) {
				v := float64(rapid.IntRange(1, 64).Draw(rt, fmt.Sprintf("cpu%d", i)))
				cpus[i] = &v
				cur.CPU = &v
			}
			if rapid.Bool().Draw(rt, fmt.Sprintf("setenv%d", i)) {
				envs[i] = map[string]string{"K": fmt.Sprint(i), fmt.Sprintf("L%d", i): "x"}
				cur.Env = envs[i]
			}
			if i < depth {
				next := Serial()
				cur.Add("n", next)
				cur = next
			}
		}
		cur.Kind = domain.KindExec
		cur.Command = "true"

		tr, err := Build(spec)
		if err != nil {
			rt.Fatalf("build: %v", err)
		}
		leaf := tr.Root()
		for len(tr.Node(leaf).Children) > 0 {
			leaf = tr.Node(leaf).Children[0]
		}
		got := tr.ResolveParams(leaf)

		wantCPU := domain.DefaultCPU
		wantEnv := map[string]string{}
		for i := 0; i <= depth; i++ {
			if cpus[i] != nil {
				wantCPU = *cpus[i]
			}
			for k, v := range envs[i] {
				wantEnv[k] = v
			}
		}
		if got.CPU != wantCPU {
			rt.Fatalf("cpu = %v, want %v", got.CPU, wantCPU)
		}
		assert.Equal(rt, wantEnv, got.Env)
	})
}
