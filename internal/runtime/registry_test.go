package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"
	"phobos.org.uk/harness/internal/config"
	"phobos.org.uk/harness/internal/logging"
)

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("stub", func(cfg *config.Config, log *logging.Logger) (AgentRuntime, error) {
		return NewLocal(cfg.Local, nil, log), nil
	}))

	cfg := config.Default()
	rt, err := r.New("stub", cfg, nil)
	require.NoError(t, err)
	require.IsType(t, &LocalRuntime{}, rt)
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r := NewRegistry()
	factory := func(*config.Config, *logging.Logger) (AgentRuntime, error) { return nil, nil }

	require.Error(t, r.Register("", factory))
	require.Error(t, r.Register("stub", nil))

	require.NoError(t, r.Register("stub", factory))
	err := r.Register("stub", factory)
	require.ErrorContains(t, err, "already registered")
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("local", func(*config.Config, *logging.Logger) (AgentRuntime, error) { return nil, nil }))

	_, err := r.Get("cloud")
	require.ErrorContains(t, err, `unknown runtime kind "cloud"`)
	require.ErrorContains(t, err, "local", "the error names the registered kinds")
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	factory := func(*config.Config, *logging.Logger) (AgentRuntime, error) { return nil, nil }
	require.NoError(t, r.Register("remote", factory))
	require.NoError(t, r.Register("local", factory))

	require.Equal(t, []string{"local", "remote"}, r.List())
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	require.Equal(t, []string{config.RuntimeKindLocal, config.RuntimeKindRemote}, r.List())

	cfg := config.Default()
	local, err := r.New(config.RuntimeKindLocal, cfg, nil)
	require.NoError(t, err)
	require.IsType(t, &LocalRuntime{}, local)

	remote, err := r.New(config.RuntimeKindRemote, cfg, nil)
	require.NoError(t, err)
	require.IsType(t, &RemoteRuntime{}, remote)
}
