package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/civicrm-mcp/internal/apiv4"
)

var lookPath = exec.LookPath

// CredentialEnv lists the variables the server reads its CRM endpoint and keys from.
var CredentialEnv = []string{"CIVI_URL", "CIVI_USER_KEY", "CIVI_SITE_KEY"}

// Options control CLI bootstrap behavior.
type Options struct {
	ConfigPath string
	Scope      string
	ServerName string
	ServeCmd   string
	// Env is passed to the registered server. Values of *_KEY variables never reach logs.
	Env    map[string]string
	All    bool
	Codex  bool
	Claude bool
	Gemini bool
	DryRun bool
}

// Command captures an executable command.
type Command struct {
	Name string
	Args []string
}

// String renders the command with credential values masked.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, a := range c.Args {
		parts = append(parts, redactEnvArg(a))
	}
	return strings.Join(parts, " ")
}

func redactEnvArg(arg string) string {
	k, v, ok := strings.Cut(arg, "=")
	if !ok || !strings.HasSuffix(k, "_KEY") {
		return arg
	}
	return k + "=" + apiv4.Redact(v)
}

// Runner executes system commands.
type Runner interface {
	Run(name string, args ...string) error
}

// OSRunner executes commands via os/exec.
type OSRunner struct{}

func (OSRunner) Run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// EnvFromProcess collects the non-empty credential variables of the current process.
func EnvFromProcess(lookupEnv func(string) (string, bool)) map[string]string {
	out := map[string]string{}
	for _, k := range CredentialEnv {
		if v, ok := lookupEnv(k); ok && strings.TrimSpace(v) != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

// Bootstrap registers the CiviCRM MCP server with installed agent CLIs.
func Bootstrap(logger *log.Logger, opts Options, runner Runner) error {
	if runner == nil {
		runner = OSRunner{}
	}
	if opts.Scope == "" {
		opts.Scope = "user"
	}
	if opts.ServerName == "" {
		opts.ServerName = "civicrm"
	}
	if strings.TrimSpace(opts.ServeCmd) == "" {
		opts.ServeCmd = "civicrm-mcp serve"
	}
	if !opts.All && !opts.Codex && !opts.Claude && !opts.Gemini {
		opts.All = true
	}

	cmds, err := BuildCommands(opts)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return errors.New("no agent CLI found on PATH (looked for codex, claude, gemini)")
	}

	auditPath, err := auditLogPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(auditPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "# civicrm-mcp bootstrap %s\n", time.Now().UTC().Format(time.RFC3339))
	for _, c := range cmds {
		line := c.String()
		fmt.Fprintln(f, line)
		logger.Info("bootstrap command", "cmd", line, "dry_run", opts.DryRun)
		if opts.DryRun {
			continue
		}
		if err := runner.Run(c.Name, c.Args...); err != nil {
			// remove fails when nothing is registered yet.
			if len(c.Args) > 1 && c.Args[1] == "remove" {
				logger.Debug("ignoring remove error", "cmd", line, "error", err)
				continue
			}
			return fmt.Errorf("run %q: %w", line, err)
		}
	}

	logger.Info("bootstrap complete", "audit_log", auditPath)
	return nil
}

// BuildCommands builds a deterministic bootstrap command list.
func BuildCommands(opts Options) ([]Command, error) {
	if opts.Scope != "user" && opts.Scope != "project" {
		return nil, fmt.Errorf("invalid scope %q (expected user or project)", opts.Scope)
	}
	if strings.TrimSpace(opts.ConfigPath) == "" {
		return nil, errors.New("config path is required")
	}
	if strings.TrimSpace(opts.ServeCmd) == "" {
		opts.ServeCmd = "civicrm-mcp serve"
	}

	cmdParts := strings.Fields(opts.ServeCmd)
	if len(cmdParts) == 0 {
		return nil, errors.New("serve command is required")
	}
	serveArgs := append(cmdParts, "--config", opts.ConfigPath)
	cmds := make([]Command, 0, 8)

	addCodex := opts.All || opts.Codex
	addClaude := opts.All || opts.Claude
	addGemini := opts.All || opts.Gemini

	if addCodex && commandExists("codex") {
		add := []string{"mcp", "add", opts.ServerName}
		add = append(add, envFlags("--env", opts.Env)...)
		add = append(add, "--")
		cmds = append(cmds,
			Command{Name: "codex", Args: []string{"mcp", "remove", opts.ServerName}},
			Command{Name: "codex", Args: append(add, serveArgs...)},
		)
	}
	if addClaude && commandExists("claude") {
		add := []string{"mcp", "add", "-s", opts.Scope}
		add = append(add, envFlags("-e", opts.Env)...)
		add = append(add, opts.ServerName, "--")
		cmds = append(cmds,
			Command{Name: "claude", Args: []string{"mcp", "remove", "-s", opts.Scope, opts.ServerName}},
			Command{Name: "claude", Args: append(add, serveArgs...)},
		)
	}
	if addGemini && commandExists("gemini") {
		add := []string{"mcp", "add", "-s", opts.Scope}
		add = append(add, envFlags("-e", opts.Env)...)
		add = append(add, opts.ServerName)
		cmds = append(cmds,
			Command{Name: "gemini", Args: []string{"mcp", "remove", "-s", opts.Scope, opts.ServerName}},
			Command{Name: "gemini", Args: append(add, serveArgs...)},
		)
	}
	return cmds, nil
}

// envFlags renders env as repeated flag/KEY=VALUE pairs in key order.
func envFlags(flag string, env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, flag, k+"="+env[k])
	}
	return out
}

func commandExists(name string) bool {
	_, err := lookPath(name)
	return err == nil
}

func auditLogPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".civicrm-mcp", "bootstrap-last.log"), nil
}
