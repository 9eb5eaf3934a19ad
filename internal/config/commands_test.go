// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcelibre/lunch/internal/command"
)

func TestLoadCommandsAppliesDefaultsToUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commands.yaml")
	content := "commands:\n" +
		"  - identifier: web\n" +
		"    command_line: \"python app.py\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	specs, err := LoadCommands(path)
	require.NoError(t, err)
	require.Len(t, specs, 1)

	s := specs[0]
	assert.Equal(t, "web", s.Identifier)
	assert.Equal(t, "python app.py", s.CommandLine)
	assert.Equal(t, command.DefaultSpec().Respawn, s.Respawn)
	assert.Equal(t, command.DefaultSpec().SleepAfter, s.SleepAfter)
	assert.Equal(t, command.DefaultSpec().DelayBeforeKill, s.DelayBeforeKill)
}

func TestLoadCommandsHonorsOverridesAndDependencies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commands.yaml")
	content := "commands:\n" +
		"  - identifier: db\n" +
		"    command_line: \"postgres\"\n" +
		"    host: db.internal\n" +
		"    respawn: false\n" +
		"    give_up_after: 3\n" +
		"  - identifier: web\n" +
		"    command_line: \"python app.py\"\n" +
		"    depends: [db]\n" +
		"    sleep_after: 1s\n" +
		"    env:\n" +
		"      PORT: \"8080\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	specs, err := LoadCommands(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "db.internal", specs[0].Host)
	assert.False(t, specs[0].Respawn)
	assert.Equal(t, 3, specs[0].GiveUpAfter)

	assert.Equal(t, []string{"db"}, specs[1].Depends)
	assert.Equal(t, time.Second, specs[1].SleepAfter)
	assert.Equal(t, "8080", specs[1].Env["PORT"])
}

func TestLoadCommandsRejectsMissingCommandLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commands.yaml")
	require.NoError(t, os.WriteFile(path, []byte("commands:\n  - identifier: broken\n"), 0o644))

	_, err := LoadCommands(path)
	assert.Error(t, err)
}

func TestLoadCommandsRejectsMissingFile(t *testing.T) {
	_, err := LoadCommands(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
