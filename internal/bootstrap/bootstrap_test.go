package bootstrap

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func withFakePath(t *testing.T, present ...string) {
	t.Helper()
	orig := lookPath
	lookPath = func(name string) (string, error) {
		if len(present) == 0 || slices.Contains(present, name) {
			return "/bin/" + name, nil
		}
		return "", errors.New("not found")
	}
	t.Cleanup(func() { lookPath = orig })
}

func TestBuildCommands_ScopeValidation(t *testing.T) {
	t.Parallel()
	_, err := BuildCommands(Options{ConfigPath: "/tmp/cfg.yaml", Scope: "bad", All: true, ServerName: "civicrm"})
	if err == nil {
		t.Fatal("expected invalid scope error")
	}
}

func TestBuildCommands_DeterministicWhenCLIsPresent(t *testing.T) {
	withFakePath(t)

	cmds, err := BuildCommands(Options{
		ConfigPath: "/tmp/cfg.yaml",
		Scope:      "user",
		ServerName: "civicrm",
		All:        true,
	})
	if err != nil {
		t.Fatalf("BuildCommands() error = %v", err)
	}
	if len(cmds) != 6 {
		t.Fatalf("expected 6 commands (remove+add for 3 CLIs), got %d", len(cmds))
	}
	if cmds[0].Name != "codex" || cmds[1].Name != "codex" {
		t.Fatalf("expected codex first, got %q %q", cmds[0].Name, cmds[1].Name)
	}
	if cmds[2].Name != "claude" || cmds[4].Name != "gemini" {
		t.Fatalf("unexpected command ordering")
	}
	want := "claude mcp add -s user civicrm -- civicrm-mcp serve --config /tmp/cfg.yaml"
	if got := cmds[3].String(); got != want {
		t.Fatalf("unexpected claude add command\n got: %s\nwant: %s", got, want)
	}
}

func TestBuildCommands_ForwardsEnvSortedAndRedacted(t *testing.T) {
	withFakePath(t, "claude")

	cmds, err := BuildCommands(Options{
		ConfigPath: "/tmp/cfg.yaml",
		Scope:      "project",
		ServerName: "civicrm",
		ServeCmd:   "civicrm-mcp serve",
		Claude:     true,
		Env: map[string]string{
			"CIVI_USER_KEY": "user-secret-9876",
			"CIVI_URL":      "https://crm.example.org",
		},
	})
	if err != nil {
		t.Fatalf("BuildCommands() error = %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected remove+add for claude only, got %d", len(cmds))
	}
	add := cmds[1]
	joined := strings.Join(add.Args, " ")
	if !strings.Contains(joined, "-e CIVI_URL=https://crm.example.org -e CIVI_USER_KEY=user-secret-9876 civicrm --") {
		t.Fatalf("expected sorted env flags before the server name, got %q", joined)
	}
	rendered := add.String()
	if strings.Contains(rendered, "user-secret") {
		t.Fatalf("expected key masked in rendered command, got %q", rendered)
	}
	if !strings.Contains(rendered, "CIVI_USER_KEY=************9876") {
		t.Fatalf("expected last four characters kept, got %q", rendered)
	}
	if !strings.Contains(rendered, "CIVI_URL=https://crm.example.org") {
		t.Fatalf("expected URL left intact, got %q", rendered)
	}
}

func TestEnvFromProcess(t *testing.T) {
	t.Parallel()
	env := map[string]string{"CIVI_URL": " https://crm.example.org ", "CIVI_SITE_KEY": "", "HOME": "/root"}
	got := EnvFromProcess(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if len(got) != 1 || got["CIVI_URL"] != "https://crm.example.org" {
		t.Fatalf("unexpected env %v", got)
	}
}
