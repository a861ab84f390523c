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
// Package canon implements the deterministic, locale- and TZ-invariant JSON
// serialization used for manifest signing, replay hashing, and journal
// framing. Canonical form: object keys in ascending byte order at every
// level, no insignificant whitespace, integers only (float literals, NaN,
// and Inf are rejected), strings in standard JSON escape form.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
)

// Marshal serializes v into canonical form. v may be a struct (encoded via
// encoding/json first, to respect json tags) or an already-decoded value
// (map[string]any, []any, string, json.Number, bool, nil).
func Marshal(v any) ([]byte, error) {
	decoded, err := toGeneric(v)
	if err != nil {
		return nil, kerrors.New(kerrors.CanonicalizationError, "canonicalize", err.Error(), err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, decoded); err != nil {
		return nil, kerrors.New(kerrors.CanonicalizationError, "canonicalize", err.Error(), err)
	}
	return buf.Bytes(), nil
}

// toGeneric normalizes v into the decoded-JSON value space, routing structs
// through encoding/json (preserving their json tags) and preserving
// json.Number for values already decoded with UseNumber.
func toGeneric(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any, string, json.Number, bool, nil:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal intermediate: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode intermediate: %w", err)
	}
	return out, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return writeString(buf, t)
	case json.Number:
		return writeNumber(buf, t)
	case float64:
		// Only reachable if a caller hands in a raw float64 directly
		// (not via json.Number); integers only, no NaN/Inf.
		return writeNumber(buf, json.Number(strconv.FormatFloat(t, 'f', -1, 64)))
	case map[string]any:
		return writeObject(buf, t)
	case []any:
		return writeArray(buf, t)
	default:
		return fmt.Errorf("unsupported value type %T in canonical JSON", v)
	}
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if s == "NaN" || s == "Inf" || s == "+Inf" || s == "-Inf" || s == "Infinity" {
		return fmt.Errorf("non-finite number %q is not canonical", s)
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return fmt.Errorf("non-integer number %q is not canonical", s)
	}
	buf.WriteString(s)
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	// encoding/json HTML-escapes '<', '>', '&' by default; disable that so
	// output is stable across configurations that might otherwise flip it.
	b = unescapeHTML(b)
	buf.Write(b)
	return nil
}

// unescapeHTML undoes encoding/json's default HTML-escaping of '<', '>',
// and '&' (as <, >, &) so canonical output matches the raw
// UTF-8 bytes rather than an HTML-safe variant.
func unescapeHTML(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte(`<`), []byte("<"))
	b = bytes.ReplaceAll(b, []byte(`>`), []byte(">"))
	b = bytes.ReplaceAll(b, []byte(`&`), []byte("&"))
	return b
}

func writeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, el := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, el); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// Decode parses canonical (or any well-formed) JSON bytes into the
// decoded-JSON value space, using json.Number so integer-only validation can
// be re-applied by Marshal on round trip.
func Decode(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, kerrors.New(kerrors.CanonicalizationError, "decode canonical JSON", err.Error(), err)
	}
	return out, nil
}
