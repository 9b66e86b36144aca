package pythonbridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CivicNotice/internal/llm"
)

// writeScript 写入一个 shell 脚本代替 Python 解释器，使测试不依赖 python3。
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "bridge.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestCompleteReadsTextFromStdout(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\ncat > /dev/null\necho '{\"text\":\"  # NOTICE  \",\"model\":\"crew\"}'\n")
	client, err := NewClient("sh", script, "")
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), llm.Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "# NOTICE", resp.Text)
	assert.Equal(t, "crew", resp.Model)
}

func TestCompleteForwardsPromptOnStdin(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nif grep -q 'Review this draft'; then echo '{\"text\":\"seen\"}'; else echo '{\"text\":\"missing\"}'; fi\n")
	client, err := NewClient("sh", script, "")
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), llm.Request{
		Persona: llm.Persona{Role: "Reviewer"},
		Prompt:  "Review this draft",
	})
	require.NoError(t, err)
	assert.Equal(t, "seen", resp.Text)
}

func TestCompleteSurfacesScriptErrors(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho '{\"error\":\"quota exceeded\"}'\n")
	client, err := NewClient("sh", script, "")
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.Request{Prompt: "p"})
	assert.ErrorContains(t, err, "quota exceeded")

	failing := writeScript(t, "#!/bin/sh\necho boom >&2\nexit 3\n")
	client, err = NewClient("sh", failing, "")
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), llm.Request{Prompt: "p"})
	assert.ErrorContains(t, err, "boom")
}

func TestNewClientRequiresScript(t *testing.T) {
	_, err := NewClient("", "", "")
	assert.Error(t, err)
}

func TestResolveScriptPath(t *testing.T) {
	assert.Equal(t, "", ResolveScriptPath("/base", ""))
	assert.Equal(t, "/abs/run.py", ResolveScriptPath("/base", "/abs/run.py"))
	assert.Equal(t, filepath.Join("/base", "run.py"), ResolveScriptPath("/base", "run.py"))
	assert.Equal(t, "run.py", ResolveScriptPath("", "run.py"))
}
