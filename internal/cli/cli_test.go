package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/internal/dispatcher"
	"tickflow/internal/domain"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()
	assert.Equal(t, "tickflow", cmd.Use)

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "tick", "schedule", "runs", "next", "config"} {
		assert.True(t, names[want], "missing %s command", want)
	}

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "tickflow.yaml", flag.DefValue)
}

func writeConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "tickflow.yaml")
	body := "database:\n  path: " + filepath.Join(dir, "cli.db") + "\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), errOut.String())
	return out.String()
}

func TestNextPrintsInstantsInZone(t *testing.T) {
	cfg := writeConfig(t)
	out := run(t, "-c", cfg, "next", "--kind", "cron_expr", "--value", "0 */4 * * *",
		"--tz", "America/Chicago", "--from", "2024-03-09T14:30:00Z", "--count", "3")
	assert.Equal(t, []string{
		"2024-03-09T12:00:00-06:00",
		"2024-03-09T16:00:00-06:00",
		"2024-03-09T20:00:00-06:00",
	}, strings.Fields(out))
}

func TestScheduleAddTickAndInspect(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	cfg := writeConfig(t)
	at := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)

	out := run(t, "-c", cfg, "schedule", "add", "--name", "once", "--command", "shell", "--kind", "one_off",
		"--at", at, "--payload", `{"command":"/bin/sh","args":["-c","exit 0"]}`)
	var sch domain.Schedule
	require.NoError(t, json.Unmarshal([]byte(out), &sch))
	assert.Equal(t, domain.StatusActive, sch.Status)

	out = run(t, "-c", cfg, "tick")
	var res dispatcher.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.Processed)

	out = run(t, "-c", cfg, "runs", sch.ID)
	assert.Contains(t, out, string(domain.RunOK))

	out = run(t, "-c", cfg, "schedule", "list")
	assert.Contains(t, out, sch.ID)
	assert.Contains(t, out, string(domain.StatusCompleted))

	out = run(t, "-c", cfg, "schedule", "delete", sch.ID)
	assert.Contains(t, out, "deleted "+sch.ID)
}

func TestSchedulePauseAndResume(t *testing.T) {
	cfg := writeConfig(t)
	out := run(t, "-c", cfg, "schedule", "add", "--command", "http", "--kind", "weekly_at", "--value", "MON,FRI:18:00", "--tz", "Europe/Paris")
	var sch domain.Schedule
	require.NoError(t, json.Unmarshal([]byte(out), &sch))

	out = run(t, "-c", cfg, "schedule", "pause", sch.ID)
	require.NoError(t, json.Unmarshal([]byte(out), &sch))
	assert.Equal(t, domain.StatusPaused, sch.Status)

	out = run(t, "-c", cfg, "schedule", "resume", sch.ID)
	require.NoError(t, json.Unmarshal([]byte(out), &sch))
	assert.Equal(t, domain.StatusActive, sch.Status)
}

func TestScheduleAddRejectsMalformed(t *testing.T) {
	cfg := writeConfig(t)
	cmd := BuildCLI()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"-c", cfg, "schedule", "add", "--command", "shell", "--kind", "daily_at", "--value", "9am"})
	assert.Error(t, cmd.Execute())
}

func TestConfigPrintsEffectiveSettings(t *testing.T) {
	cfg := writeConfig(t)
	out := run(t, "-c", cfg, "config")
	assert.Contains(t, out, "cli.db")
	assert.Contains(t, out, "@every 1m")
}
