// Copyright 2026 heidi-engine contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later
// Package config loads the trust kernel's configuration, layering an
// optional heidi.yaml file underneath environment variables (env wins over
// file, file wins over built-in defaults), mirroring the override
// precedence used by the teacher's own ingestion config loader.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
)

// GuardrailConfig mirrors the Resource Governor's policy knobs.
type GuardrailConfig struct {
	MaxWallTimeMinutes int     `yaml:"max_wall_time_minutes"`
	MaxDiskMB          int     `yaml:"max_disk_mb"`
	MaxCPUPct          float64 `yaml:"max_cpu_pct"`
	MaxMemPct          float64 `yaml:"max_mem_pct"`
	MaxRunningJobs     int     `yaml:"max_running_jobs"`
	CooldownMS         int     `yaml:"cooldown_ms"`
}

// Config is the fully-resolved runtime configuration for one invocation.
type Config struct {
	RunID             string
	OutDir            string
	Rounds            int
	MockSubprocesses  bool
	SigningKey        string
	KeystorePath      string
	ControlAddr       string
	MetricsAddr       string
	DoctorCheckArgv   []string
	UnitTestsEnabled  bool
	Guardrail         GuardrailConfig
}

// fileConfig is the subset of Config a heidi.yaml may override.
type fileConfig struct {
	ControlAddr      string           `yaml:"control_addr"`
	MetricsAddr      string           `yaml:"metrics_addr"`
	DoctorCheckArgv  []string         `yaml:"doctor_check_argv"`
	UnitTestsEnabled bool             `yaml:"unit_tests_enabled"`
	Guardrail        GuardrailConfig  `yaml:"guardrail"`
}

func defaults() Config {
	return Config{
		Rounds:      1,
		ControlAddr: "127.0.0.1:8743",
		Guardrail: GuardrailConfig{
			MaxWallTimeMinutes: 120,
			MaxDiskMB:          2048,
			MaxCPUPct:          90,
			MaxMemPct:          90,
			MaxRunningJobs:     1,
			CooldownMS:         500,
		},
	}
}

// keystoreDefault is the hyphen-form path this spec picks over the
// underscore variant sometimes seen in older tooling.
func keystoreDefault() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + "/.local/heidi-engine/keys"
}

// Load resolves configuration from yamlPath (if non-empty and present)
// layered under the environment variables named in the external
// interfaces section (RUN_ID, OUT_DIR, ROUNDS, HEIDI_MOCK_SUBPROCESSES,
// HEIDI_SIGNING_KEY, HEIDI_KEYSTORE_PATH, MAX_WALL_TIME_MINUTES,
// MAX_DISK_MB, MAX_CPU_PCT, MAX_MEM_PCT).
func Load(yamlPath string) (Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		if b, err := os.ReadFile(yamlPath); err == nil {
			var fc fileConfig
			if err := yaml.Unmarshal(b, &fc); err != nil {
				return Config{}, kerrors.NewInternalError("load config", "parse "+yamlPath+": "+err.Error(), "", err)
			}
			if fc.ControlAddr != "" {
				cfg.ControlAddr = fc.ControlAddr
			}
			if fc.MetricsAddr != "" {
				cfg.MetricsAddr = fc.MetricsAddr
			}
			if len(fc.DoctorCheckArgv) > 0 {
				cfg.DoctorCheckArgv = fc.DoctorCheckArgv
			}
			cfg.UnitTestsEnabled = fc.UnitTestsEnabled
			if fc.Guardrail != (GuardrailConfig{}) {
				cfg.Guardrail = fc.Guardrail
			}
		} else if !os.IsNotExist(err) {
			return Config{}, kerrors.NewInternalError("load config", err.Error(), "", err)
		}
	}

	cfg.RunID = envOr("RUN_ID", cfg.RunID)
	cfg.OutDir = envOr("OUT_DIR", cfg.OutDir)
	cfg.Rounds = envOrInt("ROUNDS", cfg.Rounds)
	cfg.MockSubprocesses = os.Getenv("HEIDI_MOCK_SUBPROCESSES") == "1"
	cfg.SigningKey = os.Getenv("HEIDI_SIGNING_KEY")
	cfg.KeystorePath = envOr("HEIDI_KEYSTORE_PATH", keystoreDefault())
	cfg.Guardrail.MaxWallTimeMinutes = envOrInt("MAX_WALL_TIME_MINUTES", cfg.Guardrail.MaxWallTimeMinutes)
	cfg.Guardrail.MaxDiskMB = envOrInt("MAX_DISK_MB", cfg.Guardrail.MaxDiskMB)
	cfg.Guardrail.MaxCPUPct = envOrFloat("MAX_CPU_PCT", cfg.Guardrail.MaxCPUPct)
	cfg.Guardrail.MaxMemPct = envOrFloat("MAX_MEM_PCT", cfg.Guardrail.MaxMemPct)

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return fallback
}

// CooldownDuration converts the guardrail's millisecond cooldown to a
// time.Duration for the Governor.
func (g GuardrailConfig) CooldownDuration() time.Duration {
	return time.Duration(g.CooldownMS) * time.Millisecond
}
