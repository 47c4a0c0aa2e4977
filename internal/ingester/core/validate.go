// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: March 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file implements the record validator. It is pure and deterministic:
// no I/O, no mutation of the input, and errors are reported positionally so
// a partially bad batch still makes progress.

package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length bounds, in bytes.
const (
	MaxMessageBytes  = 64 * 1024
	MaxAppIDBytes    = 255
	MaxSourceBytes   = 255
	MaxMetadataBytes = 1024
)

// ValidateRecord checks a single raw record and returns its normalized form.
// On failure it returns a PositionalError with Index 0; batch callers fix up
// the index. now supplies the server-assigned timestamp so the function
// stays deterministic under test.
func ValidateRecord(raw Record, now time.Time) (LogRecord, *PositionalError) {
	var out LogRecord

	fail := func(format string, args ...any) (LogRecord, *PositionalError) {
		return LogRecord{}, &PositionalError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
	}

	appID, err := requiredString(raw, "app_id", MaxAppIDBytes)
	if err != "" {
		return fail("%s", err)
	}
	out.AppID = appID

	message, err := requiredString(raw, "message", MaxMessageBytes)
	if err != "" {
		return fail("%s", err)
	}
	out.Message = message

	levelRaw, err := requiredString(raw, "level", 0)
	if err != "" {
		return fail("%s", err)
	}
	level := strings.ToUpper(levelRaw)
	if _, ok := validLevels[level]; !ok {
		return fail("level %q is not one of DEBUG, INFO, WARN, ERROR, FATAL", levelRaw)
	}
	out.Level = level

	source, err := requiredString(raw, "source", MaxSourceBytes)
	if err != "" {
		return fail("%s", err)
	}
	out.Source = source

	out.Environment = DefaultEnvironment
	if v, ok := raw["environment"]; ok && v != nil {
		s, isStr := v.(string)
		if !isStr {
			return fail("environment must be a string")
		}
		if s != "" {
			out.Environment = s
		}
	}

	out.Timestamp = now.UTC()
	if v, ok := raw["timestamp"]; ok && v != nil {
		s, isStr := v.(string)
		if !isStr {
			return fail("timestamp must be an ISO-8601 string")
		}
		ts, parseErr := time.Parse(time.RFC3339, s)
		if parseErr != nil {
			return fail("timestamp %q is not valid ISO-8601", s)
		}
		out.Timestamp = ts.UTC()
	}

	out.ID = uuid.NewString()
	if v, ok := raw["id"]; ok && v != nil {
		s, isStr := v.(string)
		if !isStr {
			return fail("id must be a UUID string")
		}
		parsed, parseErr := uuid.Parse(s)
		if parseErr != nil {
			return fail("id %q is not a valid UUID", s)
		}
		out.ID = parsed.String()
	}

	out.Metadata = map[string]string{}
	if v, ok := raw["metadata"]; ok && v != nil {
		meta, metaErr := coerceMetadata(v)
		if metaErr != "" {
			return fail("%s", metaErr)
		}
		out.Metadata = meta
	}

	for _, key := range [...]string{"trace_id", "user_id"} {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		s, isStr := v.(string)
		if !isStr {
			return fail("%s must be a string", key)
		}
		if key == "trace_id" {
			out.TraceID = s
		} else {
			out.UserID = s
		}
	}

	return out, nil
}

// ValidateBatch validates records in input order. valid preserves the
// relative order of all non-error entries; every error carries the record's
// offset in the caller's input. Record ids must be unique within the batch;
// a duplicate rejects the later occurrence.
func ValidateBatch(raw []Record, now time.Time) ([]LogRecord, []PositionalError) {
	valid := make([]LogRecord, 0, len(raw))
	var errs []PositionalError
	seen := make(map[string]struct{}, len(raw))

	for i, rec := range raw {
		normalized, perr := ValidateRecord(rec, now)
		if perr != nil {
			perr.Index = i
			errs = append(errs, *perr)
			continue
		}
		if _, dup := seen[normalized.ID]; dup {
			errs = append(errs, PositionalError{
				Index:   i,
				Kind:    KindValidation,
				Message: fmt.Sprintf("id %q duplicated within batch", normalized.ID),
			})
			continue
		}
		seen[normalized.ID] = struct{}{}
		valid = append(valid, normalized)
	}
	return valid, errs
}

// requiredString extracts a required non-empty string field, enforcing an
// optional byte bound (0 disables the bound). It returns an error message
// rather than an error to keep the hot path allocation-free on success.
func requiredString(raw Record, key string, maxBytes int) (string, string) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", key + " required"
	}
	s, isStr := v.(string)
	if !isStr {
		return "", key + " must be a string"
	}
	if s == "" {
		return "", key + " required"
	}
	if maxBytes > 0 && len(s) > maxBytes {
		return "", fmt.Sprintf("%s exceeds %d bytes", key, maxBytes)
	}
	return s, ""
}

// coerceMetadata accepts the two shapes a JSON decoder can hand us for a
// string-to-string mapping. Anything else (scalar, array, non-string value)
// is rejected.
func coerceMetadata(v any) (map[string]string, string) {
	switch m := v.(type) {
	case map[string]string:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if msg := checkMetadataPair(k, val); msg != "" {
				return nil, msg
			}
			out[k] = val
		}
		return out, ""
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, raw := range m {
			val, isStr := raw.(string)
			if !isStr {
				return nil, fmt.Sprintf("metadata value for %q must be a string", k)
			}
			if msg := checkMetadataPair(k, val); msg != "" {
				return nil, msg
			}
			out[k] = val
		}
		return out, ""
	default:
		return nil, "metadata must be an object of string values"
	}
}

func checkMetadataPair(k, v string) string {
	if len(k) > MaxMetadataBytes {
		return fmt.Sprintf("metadata key exceeds %d bytes", MaxMetadataBytes)
	}
	if len(v) > MaxMetadataBytes {
		return fmt.Sprintf("metadata value for %q exceeds %d bytes", k, MaxMetadataBytes)
	}
	return ""
}
