// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
)

// StructureResult carries the outcome of strict structural validation.
type StructureResult struct {
	UnknownFields []string
	TypeErrors    []string
}

// Valid reports whether the document passed.
func (r *StructureResult) Valid() bool {
	return len(r.UnknownFields) == 0 && len(r.TypeErrors) == 0
}

// FormatErrors renders the problems for the user.
func (r *StructureResult) FormatErrors() string {
	if r.Valid() {
		return ""
	}

	var sb strings.Builder
	if len(r.UnknownFields) > 0 {
		sb.WriteString("unknown fields (typos or wrong nesting):\n")
		for _, field := range r.UnknownFields {
			sb.WriteString(fmt.Sprintf("  - %s\n", field))
		}
	}
	if len(r.TypeErrors) > 0 {
		sb.WriteString("type errors:\n")
		for _, err := range r.TypeErrors {
			sb.WriteString(fmt.Sprintf("  - %s\n", err))
		}
	}
	return sb.String()
}

// ValidateStructure rejects unknown fields and type mismatches before the
// document is unmarshaled, so a typo fails loading instead of silently
// defaulting.
func ValidateStructure(k *koanf.Koanf) (*StructureResult, error) {
	result := &StructureResult{}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		ErrorUnused:      true,
		TagName:          "yaml",
		WeaklyTypedInput: false,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(k.Raw()); err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "unused key") || strings.Contains(errStr, "has invalid keys:") {
			result.UnknownFields = extractUnknownFields(errStr)
		} else {
			result.TypeErrors = append(result.TypeErrors, errStr)
		}
	}

	return result, nil
}

func extractUnknownFields(errMsg string) []string {
	var fields []string

	if idx := strings.Index(errMsg, "has invalid keys:"); idx != -1 {
		keysStr := strings.TrimSpace(errMsg[idx+len("has invalid keys:"):])
		for _, key := range strings.Split(keysStr, ",") {
			if key = strings.TrimSpace(key); key != "" {
				fields = append(fields, key)
			}
		}
	}

	if len(fields) == 0 {
		fields = []string{errMsg}
	}
	return fields
}
