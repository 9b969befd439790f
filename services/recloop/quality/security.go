// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quality

import (
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
)

// SecurityRule is a single regex-based security check.
type SecurityRule struct {
	ID      string
	Detail  string
	Pattern *regexp.Regexp
}

// SecurityScanner matches source text against a rule table.
//
// Thread Safety: Safe for concurrent use; rules are compiled at construction.
type SecurityScanner struct {
	rules []SecurityRule
}

// NewSecurityScanner returns a scanner with the default rules.
func NewSecurityScanner() *SecurityScanner {
	return &SecurityScanner{rules: defaultSecurityRules()}
}

func defaultSecurityRules() []SecurityRule {
	return []SecurityRule{
		{
			ID:      "hardcoded_secret",
			Detail:  "credential literal assigned in source",
			Pattern: regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|access[_-]?token)\w*\s*(:=|=|:)\s*["'][^"'\s]{4,}["']`),
		},
		{
			ID:      "shell_injection",
			Detail:  "shell command built by string concatenation",
			Pattern: regexp.MustCompile(`(exec\.Command|os\.system|subprocess\.(call|run|Popen)|child_process\.exec)\s*\([^)\n]*\+`),
		},
		{
			ID:      "sql_concatenation",
			Detail:  "SQL statement built by string concatenation",
			Pattern: regexp.MustCompile(`(?i)["'](select|insert\s+into|update|delete\s+from)\s[^"'\n]*["']\s*\+`),
		},
		{
			ID:      "weak_hash",
			Detail:  "MD5 or SHA-1 used",
			Pattern: regexp.MustCompile(`\b(md5|sha1)\.(New|Sum)\b|hashlib\.(md5|sha1)\(|createHash\(\s*["'](md5|sha1)["']`),
		},
		{
			ID:      "insecure_tls",
			Detail:  "TLS certificate verification disabled",
			Pattern: regexp.MustCompile(`InsecureSkipVerify\s*:\s*true|verify\s*=\s*False|rejectUnauthorized\s*:\s*false`),
		},
		{
			ID:      "dynamic_eval",
			Detail:  "dynamic code evaluation",
			Pattern: regexp.MustCompile(`\beval\s*\(`),
		},
	}
}

// Scan returns every rule hit in source, ordered by line then rule ID.
func (s *SecurityScanner) Scan(source string) []datatypes.SecurityFinding {
	var out []datatypes.SecurityFinding
	for _, r := range s.rules {
		for _, loc := range r.Pattern.FindAllStringIndex(source, -1) {
			out = append(out, datatypes.SecurityFinding{
				RuleID: r.ID,
				Line:   strings.Count(source[:loc[0]], "\n") + 1,
				Detail: r.Detail,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}
