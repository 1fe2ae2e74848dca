package subprocess

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultBufSize is the buffer size of a stream unless the command sets "<stream>_BUFSIZE".
const DefaultBufSize = 4 * 1024 * 1024

// MaxBufSize is the largest buffer a command may ask for.
const MaxBufSize = 1024 * 1024 * 1024

// Command describes a process to run. It is JSON-encoded inside exec requests.
type Command struct {
	Cmdline []string `json:"cmdline"`
	Cwd     string   `json:"cwd,omitempty"`
	// Env is the complete environment of the process. If empty, the spawner decides.
	Env map[string]string `json:"env,omitempty"`
	// Opts holds stream options such as "stdin_BUFSIZE".
	Opts map[string]string `json:"opts,omitempty"`
	// Channels are extra bidirectional streams passed to the process as inherited sockets.
	Channels []string `json:"channels,omitempty"`
}

// ParseCommand decodes a JSON command object.
func ParseCommand(raw []byte) (*Command, error) {
	if len(raw) == 0 {
		return nil, unix.EPROTO
	}
	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parsing command: %w", unix.EPROTO)
	}
	return &c, nil
}

func (c *Command) Argc() int { return len(c.Cmdline) }

// Arg returns the nth argument, or "" if there is none.
func (c *Command) Arg(n int) string {
	if n < 0 || n >= len(c.Cmdline) {
		return ""
	}
	return c.Cmdline[n]
}

// SetEnv sets an environment variable. An existing value is kept unless overwrite is set.
func (c *Command) SetEnv(name, value string, overwrite bool) error {
	if name == "" || strings.ContainsAny(name, "=\x00") {
		return fmt.Errorf("invalid environment variable name %q: %w", name, unix.EINVAL)
	}
	if c.Env == nil {
		c.Env = map[string]string{}
	}
	if _, ok := c.Env[name]; ok && !overwrite {
		return nil
	}
	c.Env[name] = value
	return nil
}

// SetEnvList replaces the environment with "name=value" entries, as returned by os.Environ.
func (c *Command) SetEnvList(env []string) error {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return fmt.Errorf("invalid environment entry %q: %w", kv, unix.EINVAL)
		}
		m[name] = value
	}
	c.Env = m
	return nil
}

// EnvList returns the environment as sorted "name=value" entries.
func (c *Command) EnvList() []string {
	if len(c.Env) == 0 {
		return nil
	}
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// BufSize returns the buffer size configured for stream. Sizes accept an optional K, M or G suffix
// and may not exceed MaxBufSize.
func (c *Command) BufSize(stream string) (int, error) {
	s, ok := c.Opts[stream+"_BUFSIZE"]
	if !ok {
		return DefaultBufSize, nil
	}
	mult := 1
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult = 1024
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult = 1024 * 1024
	case strings.HasSuffix(s, "G"), strings.HasSuffix(s, "g"):
		mult = 1024 * 1024 * 1024
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > MaxBufSize/mult {
		return 0, fmt.Errorf("invalid %s_BUFSIZE %q: %w", stream, c.Opts[stream+"_BUFSIZE"], unix.EINVAL)
	}
	return n * mult, nil
}

// String renders the command line, quoting arguments that need it.
func (c *Command) String() string {
	args := make([]string, len(c.Cmdline))
	for i, a := range c.Cmdline {
		if a == "" || strings.ContainsAny(a, " \t\n\"'\\$") {
			a = strconv.Quote(a)
		}
		args[i] = a
	}
	return strings.Join(args, " ")
}
