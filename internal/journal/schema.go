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
package journal

// eventSchemaJSON is the strict 12-key schema for one journal line. It is
// compiled once at Open time and re-used for every Append, rejecting
// anything with missing keys, unknown keys, or an out-of-enum value.
const eventSchemaJSON = `{
  "$id": "https://heidi-engine.internal/schema/event-1.0.json",
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": [
    "event_version", "ts", "run_id", "round", "stage", "level",
    "event_type", "message", "counters_delta", "usage_delta",
    "artifact_paths", "prev_hash"
  ],
  "properties": {
    "event_version": { "const": "1.0" },
    "ts": { "type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}\\.[0-9]{3}Z$" },
    "run_id": { "type": "string", "minLength": 1, "maxLength": 64 },
    "round": { "type": "integer", "minimum": 0 },
    "stage": { "enum": ["initializing", "generate", "validate", "test", "train", "eval", "round", "pipeline"] },
    "level": { "enum": ["info", "warn", "error", "success", "critical"] },
    "event_type": {
      "enum": [
        "pipeline_start", "pipeline_stop", "pipeline_complete", "pipeline_error",
        "round_start", "stage_start", "stage_end", "stage_skip",
        "train_now_trigger", "train_now_complete", "gatekeeper_passed",
        "gatekeeper_failed", "script_success", "pipeline_throttled"
      ]
    },
    "message": { "type": "string", "maxLength": 500 },
    "counters_delta": { "type": "object", "additionalProperties": { "type": "integer" } },
    "usage_delta": { "type": "object", "additionalProperties": { "type": "integer" } },
    "artifact_paths": { "type": "array", "items": { "type": "string", "maxLength": 100 } },
    "prev_hash": { "type": "string", "pattern": "^[0-9a-f]{64}$" }
  }
}`
