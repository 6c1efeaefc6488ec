// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package feature implements the job feature-expression parser and
// pretty-printer: a flat left-to-right list of (name, count, op) terms
// where op is AND, OR, or the XOR a bracket group produces. Feature bits
// are assigned in order of first appearance in the expression.
package feature

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/width"

	coreerrors "github.com/jontk/slurmctld-core/pkg/errors"
)

// Op is the connector between one term and the next.
type Op int

const (
	// OpEnd marks the last term (no following connector).
	OpEnd Op = iota
	// OpAnd is '&'.
	OpAnd
	// OpOr is a top-level '|'.
	OpOr
	// OpXor is the '|' connector between alternatives inside a bracket
	// group.
	OpXor
)

func (o Op) symbol() string {
	switch o {
	case OpAnd:
		return "&"
	case OpOr, OpXor:
		return "|"
	default:
		return ""
	}
}

// Term is one (name, count, op) triple.
type Term struct {
	Name      string
	Count     int // 0 means "no count requested"
	Op        Op  // connector to the next term (OpEnd on the expression's last term)
	Bracketed bool
}

// Expression is the parsed feature expression: the flat term list plus
// the feature-bit assignment for bracketed (XOR) alternatives, in order
// of first appearance, capacity bitCapacity.
type Expression struct {
	Terms []Term
	bits  map[string]int
}

// bitCapacity bounds how many distinct XOR alternatives a single
// expression may distinguish.
const bitCapacity = 32

// errNestedBracket: the parser rejects nested brackets but returns the
// same non-specific REQUESTED_NODE_CONFIG_UNAVAILABLE code as any other
// unsatisfiable expression rather than a dedicated sub-code.
func errNestedBracket() error {
	return coreerrors.New(coreerrors.ErrorCodeNodeConfigUnavailable, "nested bracket groups are not permitted")
}

func errMalformed(detail string) error {
	return coreerrors.New(coreerrors.ErrorCodeNodeConfigUnavailable, "malformed feature expression: "+detail)
}

// Parse parses a feature expression string into an Expression.
func Parse(s string) (*Expression, error) {
	expr := &Expression{bits: make(map[string]int)}
	i := 0
	inBracket := false
	n := len(s)

	for i < n {
		if s[i] == '[' {
			if inBracket {
				return nil, errNestedBracket()
			}
			inBracket = true
			i++
			continue
		}

		start := i
		for i < n && isNameChar(s[i]) {
			i++
		}
		if i == start {
			return nil, errMalformed(fmt.Sprintf("expected feature name at offset %d", start))
		}
		name := s[start:i]

		count := 0
		if i < n && s[i] == '*' {
			i++
			digitStart := i
			for i < n && s[i] >= '0' && s[i] <= '9' {
				i++
			}
			if i == digitStart {
				return nil, errMalformed("expected digits after '*'")
			}
			v, err := strconv.Atoi(s[digitStart:i])
			if err != nil {
				return nil, errMalformed("invalid count")
			}
			count = v
		}

		bracketed := inBracket
		var op Op

		switch {
		case inBracket && i < n && s[i] == ']':
			i++
			inBracket = false
			if i < n && (s[i] == '&' || s[i] == '|') {
				if s[i] == '&' {
					op = OpAnd
				} else {
					op = OpOr
				}
				i++
			} else {
				op = OpEnd
			}
		case inBracket && i < n && s[i] == '|':
			op = OpXor
			i++
		case inBracket:
			return nil, errMalformed("unterminated bracket group")
		case i < n && s[i] == '&':
			op = OpAnd
			i++
		case i < n && s[i] == '|':
			op = OpOr
			i++
		case i < n:
			return nil, errMalformed(fmt.Sprintf("unexpected character %q", s[i]))
		default:
			op = OpEnd
		}

		if bracketed && count != 0 {
			return nil, errMalformed("XOR alternatives and count suffixes may not coexist")
		}

		if bracketed {
			if _, seen := expr.bits[name]; !seen && len(expr.bits) < bitCapacity {
				expr.bits[name] = len(expr.bits)
			}
		}

		expr.Terms = append(expr.Terms, Term{Name: name, Count: count, Op: op, Bracketed: bracketed})
	}

	if inBracket {
		return nil, errMalformed("unterminated bracket group")
	}
	if len(expr.Terms) == 0 {
		return expr, nil
	}
	return expr, nil
}

func isNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

// String reconstructs the expression's textual form; parse-then-print
// round-trips to a re-parseable equivalent string.
func (e *Expression) String() string {
	var sb strings.Builder
	i := 0
	for i < len(e.Terms) {
		t := e.Terms[i]
		if !t.Bracketed {
			writeTerm(&sb, t)
			i++
			if t.Op != OpEnd {
				sb.WriteString(t.Op.symbol())
			}
			continue
		}

		sb.WriteString("[")
		j := i
		for {
			writeTerm(&sb, e.Terms[j])
			if e.Terms[j].Op != OpXor {
				j++
				break
			}
			sb.WriteString("|")
			j++
		}
		sb.WriteString("]")
		closing := e.Terms[j-1].Op
		if closing != OpEnd {
			sb.WriteString(closing.symbol())
		}
		i = j
	}
	return sb.String()
}

func writeTerm(sb *strings.Builder, t Term) {
	sb.WriteString(t.Name)
	if t.Count > 0 {
		sb.WriteString("*")
		sb.WriteString(strconv.Itoa(t.Count))
	}
}

// DebugString renders the expression's bracket groups one per line, each
// padded to a common column so a dump of many jobs' expressions lines up
// in a fixed-width debug log. Term names may contain East-Asian wide
// runes (site-defined feature tags copied from hardware vendor part
// numbers are not unheard of); width.LookupRune reports the on-screen
// cell width so padding accounts for it instead of assuming one byte per
// column like strings.Repeat(" ", n-len(s)) would.
func (e *Expression) DebugString() string {
	var sb strings.Builder
	groups := e.termGroups()
	widest := 0
	rendered := make([]string, len(groups))
	for i, g := range groups {
		rendered[i] = g
		if w := displayWidth(g); w > widest {
			widest = w
		}
	}
	for i, g := range rendered {
		sb.WriteString(g)
		if pad := widest - displayWidth(g); pad > 0 {
			sb.WriteString(strings.Repeat(" ", pad))
		}
		if i < len(rendered)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// termGroups splits the expression's String() form into one entry per
// bracket group or plain term, in left-to-right order.
func (e *Expression) termGroups() []string {
	s := e.String()
	var groups []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case '&', '|':
			if depth == 0 {
				groups = append(groups, s[start:i])
				start = i + 1
			}
		}
	}
	if start < len(s) {
		groups = append(groups, s[start:])
	}
	return groups
}

func displayWidth(s string) int {
	n := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		default:
			n++
		}
	}
	return n
}

// Bit returns the assigned feature bit for a bracketed alternative name,
// or -1 if the name never appeared in a bracket group.
func (e *Expression) Bit(name string) int {
	if idx, ok := e.bits[name]; ok {
		return idx
	}
	return -1
}

// FeatureReq is one (name, count) requirement within a resolved
// alternative. Op is the connector to the next requirement in the list
// (OpEnd on the last), preserved from the expression so Satisfies can
// fold AND/OR left-to-right instead of flattening everything to AND.
type FeatureReq struct {
	Name  string
	Count int
	Op    Op
}

// Alternative is one fully-resolved combination of XOR choices: the
// requirements in expression order, each carrying its connector op, and
// the bit mask of which bracketed alternatives were chosen.
type Alternative struct {
	Required []FeatureReq
	BitMask  uint32
}

// Alternatives expands the expression into every XOR combination (the
// cross-product of each bracket group's choices). Each alternative's
// Required list keeps the terms in expression order, with a bracket
// group contributing its chosen term connected by the group's closing
// op. With no bracket groups present there is exactly one alternative.
func (e *Expression) Alternatives() []Alternative {
	type slot struct {
		choices []Term // length 1 for a plain term
		op      Op     // connector to the next slot
	}

	var slots []slot
	i := 0
	for i < len(e.Terms) {
		t := e.Terms[i]
		if !t.Bracketed {
			slots = append(slots, slot{choices: []Term{t}, op: t.Op})
			i++
			continue
		}
		j := i
		var choices []Term
		for {
			choices = append(choices, e.Terms[j])
			if e.Terms[j].Op != OpXor {
				j++
				break
			}
			j++
		}
		slots = append(slots, slot{choices: choices, op: e.Terms[j-1].Op})
		i = j
	}

	combos := []Alternative{{}}
	for _, s := range slots {
		var next []Alternative
		for _, c := range combos {
			for _, t := range s.choices {
				req := append([]FeatureReq(nil), c.Required...)
				req = append(req, FeatureReq{Name: t.Name, Count: t.Count, Op: s.op})
				mask := c.BitMask
				if t.Bracketed {
					if bit := e.Bit(t.Name); bit >= 0 {
						mask |= 1 << uint(bit)
					}
				}
				next = append(next, Alternative{Required: req, BitMask: mask})
			}
		}
		combos = next
	}
	return combos
}

// Satisfies evaluates reqs left-to-right against a feature membership
// predicate: the running result is ANDed or ORed with each next term
// according to the previous term's connector, so "fs1|fs2" accepts
// either feature while "fs1&fs2" demands both.
func Satisfies(reqs []FeatureReq, has func(name string) bool) bool {
	if len(reqs) == 0 {
		return true
	}
	result := has(reqs[0].Name)
	prev := reqs[0].Op
	for _, r := range reqs[1:] {
		v := has(r.Name)
		if prev == OpOr {
			result = result || v
		} else {
			result = result && v
		}
		prev = r.Op
	}
	return result
}
