package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronkeeper/internal/task/scheduler"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func lines(s string) []string {
	return strings.Split(strings.TrimSpace(s), "\n")
}

func TestNextCron(t *testing.T) {
	out, err := execute(t, "next", "0 30 9 ? * MON-FRI", "-n", "2", "--from", "2024-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-04T09:30:00Z", "2024-03-05T09:30:00Z"}, lines(out))
}

func TestNextCronInZone(t *testing.T) {
	out, err := execute(t, "next", "0 30 9 ? * MON-FRI", "-n", "1", "--tz", "Europe/Berlin", "--from", "2024-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-04T09:30:00+01:00"}, lines(out))
}

func TestNextFixedRunsOut(t *testing.T) {
	out, err := execute(t, "next", "fixed:R2/2024-01-01T00:00:00Z/1h", "--from", "2023-12-31T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z", "2024-01-01T02:00:00Z"}, lines(out))

	out, err = execute(t, "next", "fixed:R0/2024-01-01T00:00:00Z/1h", "--from", "2025-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "no upcoming fire times")
}

func TestNextRejectsBadInput(t *testing.T) {
	_, err := execute(t, "next", "not a schedule")
	assert.Error(t, err)
	_, err = execute(t, "next", "@hourly", "-n", "0")
	assert.Error(t, err)
	_, err = execute(t, "next", "@hourly", "--tz", "Mars/Olympus")
	assert.Error(t, err)
}

func TestWithZone(t *testing.T) {
	assert.Equal(t, "TZ=UTC 0 0 * * * ?", withZone("0 0 * * * ?", "UTC"))
	assert.Equal(t, "0 0 * * * ?", withZone("0 0 * * * ?", ""))
	assert.Equal(t, "@daily", withZone("@daily", "UTC"))
	assert.Equal(t, "*/5 * * * *", withZone("*/5 * * * *", "UTC"))
	assert.Equal(t, "cron:0 0 * * * ?", withZone("cron:0 0 * * * ?", "UTC"))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})
	return cmd
}

func TestValidatePreviewsTriggers(t *testing.T) {
	path := writeConfig(t, `{
		"calendars": {"weekend": {"type": "weekly", "days": ["sat", "sun"]}},
		"jobs": [{
			"name": "report", "group": "reports", "kind": "log",
			"triggers": [
				{"name": "noon", "schedule": "0 0 12 * * ?", "calendar": "weekend"},
				{"name": "soon", "schedule": "fixed:R/2030-01-01T00:00:00Z/1h"}
			]
		}]
	}`)
	cmd := validateCmd()
	now := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC) // Friday afternoon
	require.NoError(t, validate(cmd, path, now))

	out := cmd.OutOrStdout().(*bytes.Buffer).String()
	assert.Contains(t, out, "next 2024-03-04T12:00:00Z", "weekend is skipped")
	assert.Contains(t, out, "next 2030-01-01T00:00:00Z")
	assert.Contains(t, out, "ok (1 jobs, 2 triggers, 1 calendars)")
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	path := writeConfig(t, `{"jobs": [{"name": "x", "kind": "telepathy", "durable": true, "triggers": []}]}`)
	err := validate(validateCmd(), path, time.Now())
	assert.ErrorIs(t, err, scheduler.ErrUnknownWorkKind)
}

func TestValidateCommandUsesConfigFlag(t *testing.T) {
	path := writeConfig(t, `{"jobs": []}`)
	out, err := execute(t, "--config", path, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "ok (0 jobs, 0 triggers, 0 calendars)")

	_, err = execute(t, "validate", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
