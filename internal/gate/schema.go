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
package gate

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// manifestSchemaJSON is the strict 12-key schema for manifest.json, mirroring
// the journal's locked event schema (schema.go in internal/journal): an
// unsigned manifest must carry exactly these keys with integer-only numeric
// fields before it is ever handed to Sign or trusted by TrainerGuard.
const manifestSchemaJSON = `{
  "$id": "https://heidi-engine.internal/schema/manifest-1.0.json",
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": [
    "created_at", "dataset_hash", "engine_version", "event_count",
    "final_state", "guardrail_snapshot", "record_count", "replay_hash",
    "run_id", "schema_version", "signing_key_id", "total_runtime_sec"
  ],
  "properties": {
    "created_at": { "type": "string" },
    "dataset_hash": { "type": "string" },
    "engine_version": { "type": "string" },
    "event_count": { "type": "integer", "minimum": 0 },
    "final_state": { "type": "string" },
    "guardrail_snapshot": { "type": "object", "additionalProperties": { "type": "integer" } },
    "record_count": { "type": "integer", "minimum": 0 },
    "replay_hash": { "type": "string" },
    "run_id": { "type": "string" },
    "schema_version": { "type": "string" },
    "signing_key_id": { "type": "string" },
    "total_runtime_sec": { "type": "integer", "minimum": 0 }
  }
}`

var compiledManifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal([]byte(manifestSchemaJSON), &doc); err != nil {
		panic(fmt.Sprintf("gate: invalid embedded manifest schema: %v", err))
	}
	url := "https://heidi-engine.internal/schema/manifest-1.0.json"
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("gate: add manifest schema resource: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("gate: compile manifest schema: %v", err))
	}
	return s
}
