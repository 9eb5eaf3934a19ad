// lunch - distributed process supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/sourcelibre/lunch/internal/command"
)

// commandEntry mirrors command.Spec for YAML decoding. Respawn is a
// pointer so an absent key falls back to DefaultSpec's respawn=true
// rather than koanf's zero value for bool.
type commandEntry struct {
	Identifier      string            `koanf:"identifier"`
	CommandLine     string            `koanf:"command_line"`
	Env             map[string]string `koanf:"env"`
	User            string            `koanf:"user"`
	Host            string            `koanf:"host"`
	SSHPort         int               `koanf:"ssh_port"`
	Depends         []string          `koanf:"depends"`
	Respawn         *bool             `koanf:"respawn"`
	SleepAfter      time.Duration     `koanf:"sleep_after"`
	MinimumLifetime time.Duration     `koanf:"minimum_lifetime"`
	TryAgainDelay   time.Duration     `koanf:"try_again_delay"`
	GiveUpAfter     int               `koanf:"give_up_after"`
	DelayBeforeKill time.Duration     `koanf:"delay_before_kill"`
	LogDir          string            `koanf:"log_dir"`
}

// commandsFile is the top-level shape of a command-registration file: a
// flat list under "commands", each entry the YAML equivalent of an
// addCommand(spec) call.
type commandsFile struct {
	Commands []commandEntry `koanf:"commands"`
}

// LoadCommands parses a command-registration YAML file into a slice of
// command.Spec, each layered over DefaultSpec so an entry only needs to
// name what it overrides. This is the declarative replacement for the
// original programmatic registration API: every Spec it returns is still
// meant to be handed to the reconciler's AddCommand, one at a time, by
// the caller.
func LoadCommands(path string) ([]command.Spec, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: loading commands file %s: %w", path, err)
	}

	var parsed commandsFile
	if err := k.Unmarshal("", &parsed); err != nil {
		return nil, fmt.Errorf("config: unmarshal commands file %s: %w", path, err)
	}

	specs := make([]command.Spec, 0, len(parsed.Commands))
	for i, entry := range parsed.Commands {
		spec, err := entry.toSpec()
		if err != nil {
			return nil, fmt.Errorf("config: commands[%d]: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// toSpec layers a single parsed entry over DefaultSpec's documented
// defaults; only fields the entry actually sets are overridden.
func (e commandEntry) toSpec() (command.Spec, error) {
	if e.CommandLine == "" {
		return command.Spec{}, fmt.Errorf("command_line is required")
	}

	spec := command.DefaultSpec()
	spec.Identifier = e.Identifier
	spec.CommandLine = e.CommandLine
	spec.User = e.User
	spec.Host = e.Host
	spec.SSHPort = e.SSHPort
	spec.Depends = e.Depends
	spec.LogDir = e.LogDir
	if e.Env != nil {
		spec.Env = e.Env
	}
	if e.Respawn != nil {
		spec.Respawn = *e.Respawn
	}
	if e.SleepAfter != 0 {
		spec.SleepAfter = e.SleepAfter
	}
	if e.MinimumLifetime != 0 {
		spec.MinimumLifetime = e.MinimumLifetime
	}
	if e.TryAgainDelay != 0 {
		spec.TryAgainDelay = e.TryAgainDelay
	}
	if e.GiveUpAfter != 0 {
		spec.GiveUpAfter = e.GiveUpAfter
	}
	if e.DelayBeforeKill != 0 {
		spec.DelayBeforeKill = e.DelayBeforeKill
	}
	return spec, nil
}
