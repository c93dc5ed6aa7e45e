package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
)

func TestRegistryLookup(t *testing.T) {
	set, err := Load(strings.NewReader(sampleDoc))
	require.NoError(t, err)
	reg, err := NewStaticRegistry(set, nil)
	require.NoError(t, err)

	c, ok := reg.Lookup("billing-agent")
	require.True(t, ok)
	assert.Equal(t, "enterprise-finance+soc2", c.Name())
	assert.Equal(t, 3, c.MaxToolCalls())
	assert.True(t, c.RequireHumanApproval())
	assert.True(t, c.AllowsTool("lookup_customer"))
	assert.False(t, c.AllowsTool("send_email"))

	c, ok = reg.Lookup("support-agent")
	require.True(t, ok, "falls back to the wildcard binding")
	assert.Equal(t, "enterprise", c.Name())

	res, hit := c.Scan("lookup_customer", map[string]any{"q": "ssn 123-45-6789"})
	require.True(t, hit)
	assert.Equal(t, "q", res.Field)
}

func TestRegistryWithoutWildcardHasNoPolicy(t *testing.T) {
	set, err := Load(strings.NewReader(`
policies:
  - name: a
bindings:
  agent-1: [a]
`))
	require.NoError(t, err)
	reg, err := NewStaticRegistry(set, nil)
	require.NoError(t, err)

	_, ok := reg.Lookup("agent-2")
	assert.False(t, ok)
	_, ok = reg.Effective("agent-2")
	assert.False(t, ok)
}

func TestRegistryBind(t *testing.T) {
	set, err := Load(strings.NewReader(sampleDoc))
	require.NoError(t, err)
	reg, err := NewStaticRegistry(set, nil)
	require.NoError(t, err)

	require.NoError(t, reg.Bind("auditor", "soc2"))
	p, ok := reg.Effective("auditor")
	require.True(t, ok)
	assert.Equal(t, "soc2", p.Name)

	err = reg.Bind("auditor", "ghost")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestRegistryApplyKeepsOldSetOnError(t *testing.T) {
	set, err := Load(strings.NewReader(sampleDoc))
	require.NoError(t, err)
	reg, err := NewStaticRegistry(set, nil)
	require.NoError(t, err)

	broken := &Set{
		Policies: map[string]domain.Policy{},
		Bindings: map[string][]string{"*": {"ghost"}},
	}
	require.Error(t, reg.Apply(broken))

	c, ok := reg.Lookup("anyone")
	require.True(t, ok)
	assert.Equal(t, "enterprise", c.Name())
}

func TestRegistryRefreshFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policies:\n  - name: v1\nbindings:\n  \"*\": [v1]\n"), 0o600))

	reg := NewRegistry(FileSource{Path: path}, nil)
	_, ok := reg.Lookup("a")
	assert.False(t, ok, "nothing loaded before the first refresh")

	require.NoError(t, reg.Refresh(context.Background()))
	c, ok := reg.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "v1", c.Name())

	require.NoError(t, os.WriteFile(path, []byte("policies:\n  - name: v2\nbindings:\n  \"*\": [v2]\n"), 0o600))
	require.NoError(t, reg.Refresh(context.Background()))
	c, _ = reg.Lookup("a")
	assert.Equal(t, "v2", c.Name())
}

func TestCompiledPolicyIsACopy(t *testing.T) {
	p := domain.DefaultPolicy()
	p.Name = "p"
	p.AllowedTools = []string{"a"}
	c, err := CompilePolicy(p)
	require.NoError(t, err)

	p.AllowedTools[0] = "b"
	assert.True(t, c.AllowsTool("a"))

	out := c.Policy()
	out.AllowedTools[0] = "c"
	assert.True(t, c.AllowsTool("a"))
}
