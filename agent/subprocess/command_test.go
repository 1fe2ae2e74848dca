package subprocess

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseCommand(t *testing.T) {
	c, err := ParseCommand([]byte(`{"cmdline":["/bin/echo","hi"],"cwd":"/tmp","env":{"A":"1"},"channels":["X"]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Argc())
	assert.Equal(t, "/bin/echo", c.Arg(0))
	assert.Equal(t, "", c.Arg(5))
	assert.Equal(t, "/tmp", c.Cwd)
	assert.Equal(t, []string{"A=1"}, c.EnvList())
	assert.Equal(t, []string{"X"}, c.Channels)

	for _, raw := range []string{``, `"ls"`, `{"cmdline":"ls"}`} {
		_, err := ParseCommand([]byte(raw))
		assert.True(t, errors.Is(err, unix.EPROTO), "input %q", raw)
	}
}

func TestSetEnv(t *testing.T) {
	c := &Command{Cmdline: []string{"env"}}
	require.NoError(t, c.SetEnvList([]string{"PATH=/bin", "EMPTY=", "X=a=b"}))
	assert.Equal(t, []string{"EMPTY=", "PATH=/bin", "X=a=b"}, c.EnvList())

	require.NoError(t, c.SetEnv("PATH", "/usr/bin", false))
	assert.Equal(t, "/bin", c.Env["PATH"])
	require.NoError(t, c.SetEnv("PATH", "/usr/bin", true))
	assert.Equal(t, "/usr/bin", c.Env["PATH"])

	assert.True(t, errors.Is(c.SetEnv("A=B", "x", true), unix.EINVAL))
	assert.True(t, errors.Is(c.SetEnv("", "x", true), unix.EINVAL))
	assert.True(t, errors.Is(c.SetEnvList([]string{"novalue"}), unix.EINVAL))
}

func TestBufSize(t *testing.T) {
	cases := []struct {
		opt    string
		exp    int
		expErr bool
	}{
		{opt: "", exp: DefaultBufSize},
		{opt: "1024", exp: 1024},
		{opt: "4k", exp: 4096},
		{opt: "2M", exp: 2 * 1024 * 1024},
		{opt: "1G", exp: 1024 * 1024 * 1024},
		{opt: "0", expErr: true},
		{opt: "-5", expErr: true},
		{opt: "M", expErr: true},
		{opt: "1025M", expErr: true},
		{opt: "1073741825", expErr: true},
		{opt: "9000000000G", expErr: true},
		{opt: "99999999999999999999", expErr: true},
	}
	for _, c := range cases {
		cmd := &Command{Cmdline: []string{"cat"}}
		if c.opt != "" {
			cmd.Opts = map[string]string{"stdin_BUFSIZE": c.opt}
		}
		n, err := cmd.BufSize(StreamStdin)
		if c.expErr {
			assert.True(t, errors.Is(err, unix.EINVAL), "opt %q", c.opt)
			continue
		}
		require.NoError(t, err, "opt %q", c.opt)
		assert.Equal(t, c.exp, n, "opt %q", c.opt)
	}
}

func TestCommandString(t *testing.T) {
	c := &Command{Cmdline: []string{"sh", "-c", "echo $HOME", ""}}
	assert.Equal(t, `sh -c "echo $HOME" ""`, c.String())
}
