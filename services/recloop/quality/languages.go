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
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// grammar describes how to read one language's syntax tree.
//
// branches are node types that add a decision point. nesting are the
// subset that open a nested block. identifiers and literals are Halstead
// operands; literals are also treated as leaves so string fragments are
// not counted separately.
type grammar struct {
	name        string
	language    func() *sitter.Language
	branches    map[string]bool
	nesting     map[string]bool
	identifiers map[string]bool
	literals    map[string]bool
	comments    map[string]bool
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

var grammars = map[string]*grammar{
	"go": {
		name:     "go",
		language: golang.GetLanguage,
		branches: set("if_statement", "for_statement", "expression_case", "type_case",
			"communication_case", "&&", "||"),
		nesting: set("if_statement", "for_statement", "expression_switch_statement",
			"type_switch_statement", "select_statement"),
		identifiers: set("identifier", "field_identifier", "type_identifier", "package_identifier"),
		literals: set("interpreted_string_literal", "raw_string_literal", "int_literal",
			"float_literal", "rune_literal", "imaginary_literal", "true", "false", "nil"),
		comments: set("comment"),
	},
	"python": {
		name:     "python",
		language: python.GetLanguage,
		branches: set("if_statement", "elif_clause", "for_statement", "while_statement",
			"except_clause", "conditional_expression", "case_clause", "for_in_clause", "and", "or"),
		nesting:     set("if_statement", "for_statement", "while_statement", "try_statement", "with_statement", "match_statement"),
		identifiers: set("identifier"),
		literals:    set("string", "integer", "float", "true", "false", "none"),
		comments:    set("comment"),
	},
	"javascript": {
		name:     "javascript",
		language: javascript.GetLanguage,
		branches: set("if_statement", "for_statement", "for_in_statement", "while_statement",
			"do_statement", "switch_case", "catch_clause", "ternary_expression", "&&", "||", "??"),
		nesting: set("if_statement", "for_statement", "for_in_statement", "while_statement",
			"do_statement", "switch_statement", "try_statement"),
		identifiers: set("identifier", "property_identifier", "shorthand_property_identifier"),
		literals:    set("string", "template_string", "number", "regex", "true", "false", "null", "undefined"),
		comments:    set("comment"),
	},
	"typescript": {
		name:     "typescript",
		language: typescript.GetLanguage,
		branches: set("if_statement", "for_statement", "for_in_statement", "while_statement",
			"do_statement", "switch_case", "catch_clause", "ternary_expression", "&&", "||", "??"),
		nesting: set("if_statement", "for_statement", "for_in_statement", "while_statement",
			"do_statement", "switch_statement", "try_statement"),
		identifiers: set("identifier", "property_identifier", "shorthand_property_identifier", "type_identifier"),
		literals:    set("string", "template_string", "number", "regex", "true", "false", "null", "undefined"),
		comments:    set("comment"),
	},
	"rust": {
		name:     "rust",
		language: rust.GetLanguage,
		branches: set("if_expression", "for_expression", "while_expression", "loop_expression",
			"match_arm", "&&", "||"),
		nesting:     set("if_expression", "for_expression", "while_expression", "loop_expression", "match_expression"),
		identifiers: set("identifier", "field_identifier", "type_identifier"),
		literals: set("string_literal", "raw_string_literal", "integer_literal", "float_literal",
			"char_literal", "boolean_literal"),
		comments: set("line_comment", "block_comment"),
	},
	"bash": {
		name:     "bash",
		language: bash.GetLanguage,
		branches: set("if_statement", "elif_clause", "for_statement", "c_style_for_statement",
			"while_statement", "case_item", "&&", "||"),
		nesting:     set("if_statement", "for_statement", "c_style_for_statement", "while_statement", "case_statement"),
		identifiers: set("variable_name", "word"),
		literals:    set("string", "raw_string", "number"),
		comments:    set("comment"),
	},
}

var aliases = map[string]string{
	"golang": "go",
	"py":     "python",
	"js":     "javascript",
	"jsx":    "javascript",
	"ts":     "typescript",
	"rs":     "rust",
	"sh":     "bash",
	"shell":  "bash",
}

// NormalizeLanguage maps a language tag or alias to its canonical name.
// Unknown tags are returned lower-cased and unchanged.
func NormalizeLanguage(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if canon, ok := aliases[l]; ok {
		return canon
	}
	return l
}

// Supported reports whether lang can be parsed.
func Supported(lang string) bool {
	_, ok := grammars[NormalizeLanguage(lang)]
	return ok
}

var extensions = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".cjs":  "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".rs":   "rust",
	".sh":   "bash",
	".bash": "bash",
}

// LanguageFromPath infers the language from a file extension.
// Returns "" when the extension is not recognised.
func LanguageFromPath(path string) string {
	return extensions[strings.ToLower(filepath.Ext(path))]
}
