package tree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

func TestDecodeYAMLAndJSON(t *testing.T) {
	yamlDoc := `
kind: parallel
cpu: 2
children:
  - name: a
    command: echo a
  - name: b
    command: echo b
    env:
      FOO: bar
    max_time: 30s
`
	spec, err := Decode([]byte(yamlDoc))
	require.NoError(t, err)
	tr, err := Build(spec)
	require.NoError(t, err)
	b := mustLookup(t, tr, "/b")
	assert.Equal(t, 2.0, tr.ResolveParams(b).CPU)
	assert.Equal(t, 30*time.Second, tr.ResolveParams(b).MaxTime)
	assert.Equal(t, "bar", tr.ResolveParams(b).Env["FOO"])

	jsonDoc := `{"kind":"serial","children":[{"command":"echo 0"},{"command":"echo 1","same_container":"new"}]}`
	spec, err = Decode([]byte(jsonDoc))
	require.NoError(t, err)
	tr, err = Build(spec)
	require.NoError(t, err)
	assert.Equal(t, "echo 1", tr.Node(mustLookup(t, tr, "/1")).Payload.Command)

	_, err = Decode([]byte(`{"kind":"serial","colour":"red"}`))
	assert.Error(t, err)
	_, err = Decode([]byte("kind: serial\ncolour: red\n"))
	assert.Error(t, err)
	_, err = Decode([]byte("   "))
	assert.Error(t, err)
}

func TestEncodeRoundTripsThroughDecode(t *testing.T) {
	spec := Parallel(WithStopOnError(false)).
		Add("x", Exec("echo x", WithMaxTime(time.Second))).
		Add("y", Call("python main.py", "run", map[string]any{"n": 3}))

	raw, err := Encode(spec)
	require.NoError(t, err)
	back, err := Decode(raw)
	require.NoError(t, err)

	tr, err := Build(back)
	require.NoError(t, err)
	y := tr.Node(mustLookup(t, tr, "/y"))
	cmd, err := y.Payload.CommandLine()
	require.NoError(t, err)
	assert.Equal(t, "python main.py run --n=3", cmd)
	assert.Equal(t, time.Second, tr.ResolveParams(mustLookup(t, tr, "/x")).MaxTime)
}

func TestLoadHCL(t *testing.T) {
	spec, err := LoadFile("testdata/pipeline.hcl", map[string]string{"version": "1.2.3"})
	require.NoError(t, err)
	tr, err := Build(spec)
	require.NoError(t, err)

	root := tr.ResolveParams(tr.Root())
	assert.Equal(t, "golang:1.25", root.Image.Name)
	assert.Equal(t, "1.2.3", root.Env["VERSION"])

	build := tr.Node(mustLookup(t, tr, "/build"))
	assert.Equal(t, domain.KindExec, build.Kind)
	assert.Equal(t, 4.0, tr.ResolveParams(build.ID).CPU)

	checks := tr.Node(mustLookup(t, tr, "/checks"))
	assert.Equal(t, domain.KindParallel, checks.Kind)
	assert.False(t, tr.ResolveParams(checks.ID).StopOnError)

	unit := mustLookup(t, tr, "/checks/unit")
	assert.Equal(t, "go test -count=1 ./...", tr.Node(unit).Payload.Command)
	assert.Equal(t, 10*time.Minute, tr.ResolveParams(unit).MaxTime)

	notify := tr.Node(mustLookup(t, tr, "/checks/notify"))
	cmd, err := notify.Payload.CommandLine()
	require.NoError(t, err)
	assert.Equal(t, "python ci.py notify --channel=BUILDS --retries=3", cmd)

	publish := tr.Node(mustLookup(t, tr, "/publish"))
	assert.True(t, publish.Params.Skip)
	push := mustLookup(t, tr, "/publish/push")
	assert.Equal(t, "docker push example/app:1.2.3", tr.Node(push).Payload.Command)
	assert.True(t, tr.ResolveParams(push).RequiresDocker)
	scope, ok := tr.SameContainerScope(push)
	require.True(t, ok)
	assert.Equal(t, publish.ID, scope)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("p.toml", []byte("x"), nil)
	assert.Error(t, err)

	_, err = Load("p.hcl", []byte(`other "x" {}`), nil)
	assert.Error(t, err)

	_, err = Load("p.hcl", []byte(`pipeline "p" {
  node "a" {
    command = var.missing
  }
}`), nil)
	assert.Error(t, err)

	_, err = Load("p.hcl", []byte(`pipeline "p" {
  node "a" {
    same_container = "sometimes"
  }
}`), nil)
	assert.Error(t, err)

	_, err = LoadFile("testdata/does-not-exist.yaml", nil)
	assert.Error(t, err)
}
