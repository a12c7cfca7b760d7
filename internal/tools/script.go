package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
)

// scriptGracePeriod is how long a cancelled script gets between SIGTERM and SIGKILL.
const scriptGracePeriod = 2 * time.Second

var interpreters = map[string][]string{
	".py": {"python3"},
	".sh": {"sh"},
	".js": {"node"},
	".rb": {"ruby"},
}

// scriptSpec is the introspected signature of a script file.
type scriptSpec struct {
	path        string
	interpreter []string
	params      []dragonflow.ParamSpec
	returns     string
	description string
	cache       bool
}

// loadScript reads the header of a script. Signature lines look like
//
//	# @param url string
//	# @param limit int 10
//	# @returns string
//	# @cache
//
// and stop at the first line that is neither blank nor a comment.
func loadScript(path string) (*scriptSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	spec := &scriptSpec{path: path}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if lineNo == 1 && strings.HasPrefix(line, "#!") {
			spec.interpreter = shebang(line)
			continue
		}
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") && !strings.HasPrefix(line, "//") {
			break
		}
		body := strings.TrimSpace(strings.TrimLeft(line, "#/"))
		if !strings.HasPrefix(body, "@") {
			continue
		}
		fields := strings.Fields(body)
		switch fields[0] {
		case "@param":
			if len(fields) < 3 {
				return nil, fmt.Errorf("line %d: @param needs a name and a type", lineNo)
			}
			p := dragonflow.ParamSpec{Name: fields[1], Type: fields[2]}
			if !dragonflow.KnownType(p.Type) {
				return nil, fmt.Errorf("line %d: unknown parameter type '%s'", lineNo, p.Type)
			}
			if len(fields) > 3 {
				raw := strings.Join(fields[3:], " ")
				var def any
				if err := json.Unmarshal([]byte(raw), &def); err != nil {
					def = raw
				}
				p.Default, p.HasDefault = def, true
			}
			spec.params = append(spec.params, p)
		case "@returns":
			if len(fields) < 2 {
				return nil, fmt.Errorf("line %d: @returns needs a type", lineNo)
			}
			spec.returns = fields[1]
		case "@description":
			spec.description = strings.TrimSpace(strings.TrimPrefix(body, "@description"))
		case "@cache":
			spec.cache = true
		default:
			return nil, fmt.Errorf("line %d: unknown directive %s", lineNo, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(spec.interpreter) == 0 {
		spec.interpreter = interpreters[strings.ToLower(filepath.Ext(path))]
	}
	if len(spec.interpreter) == 0 {
		return nil, fmt.Errorf("no interpreter for %s", filepath.Base(path))
	}
	return spec, nil
}

func shebang(line string) []string {
	parts := strings.Fields(strings.TrimPrefix(line, "#!"))
	if len(parts) == 0 {
		return nil
	}
	if filepath.Base(parts[0]) == "env" {
		return parts[1:]
	}
	return parts
}

func (s *scriptSpec) resolve(name string) *dragonflow.ResolvedTool {
	t := &dragonflow.ResolvedTool{
		Name:          name,
		QualifiedName: "script:" + s.path,
		Kind:          dragonflow.ToolKindScript,
		Description:   s.description,
		Params:        s.params,
		Returns:       s.returns,
		Func:          s.invoke,
	}
	if s.cache {
		t.CacheKey = SelectArgs()
	}
	return t
}

// invoke runs the script with JSON arguments on stdin. Stdout is decoded as
// JSON when possible and returned as trimmed text otherwise. Cancelling ctx
// sends SIGTERM to the process group, then SIGKILL to the whole group after
// a grace period. Environment overrides carried by ctx are added to the
// script's environment.
func (s *scriptSpec) invoke(ctx context.Context, args map[string]any) (any, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode script arguments: %w", err)
	}
	argv := append(append([]string(nil), s.interpreter[1:]...), s.path)
	cmd := exec.CommandContext(ctx, s.interpreter[0], argv...)
	cmd.Dir = filepath.Dir(s.path)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if env := dragonflow.EnvFrom(ctx); len(env) > 0 {
		cmd.Env = append(os.Environ(), dragonflow.EnvList(env)...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = scriptGracePeriod

	err = cmd.Run()
	if ctx.Err() != nil && cmd.Process != nil {
		// WaitDelay only kills the leader; descendants that ignored SIGTERM
		// still hold the group.
		if kerr := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); kerr != nil && !errors.Is(kerr, syscall.ESRCH) {
			return nil, fmt.Errorf("script %s: kill process group: %w", filepath.Base(s.path), kerr)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("script %s killed: %w", filepath.Base(s.path), ctx.Err())
		}
		return nil, fmt.Errorf("script %s exit code %d: %w: %s", filepath.Base(s.path), cmd.ProcessState.ExitCode(), err, tail(stderr.String(), 512))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	var v any
	if len(out) > 0 && json.Unmarshal(out, &v) == nil {
		return v, nil
	}
	return string(out), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
