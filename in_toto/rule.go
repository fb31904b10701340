package in_toto

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ruleType constants, lower-cased, as produced by UnpackRule.
const (
	ruleCreate   = "create"
	ruleDelete   = "delete"
	ruleModify   = "modify"
	ruleAllow    = "allow"
	ruleDisallow = "disallow"
	ruleRequire  = "require"
	ruleMatch    = "match"
)

var genericRuleTypes = NewSet(ruleCreate, ruleDelete, ruleModify, ruleAllow, ruleDisallow, ruleRequire)
var complexRuleTypes = NewSet(ruleMatch)

/*
UnpackRule parses an artifact rule (as found in a Step or Inspection's
ExpectedMaterials/ExpectedProducts) into its constituent fields. Rules come
in two shapes:

	CREATE <pattern>
	DELETE <pattern>
	MODIFY <pattern>
	ALLOW <pattern>
	DISALLOW <pattern>
	REQUIRE <filename>

	MATCH <pattern> [IN <source-prefix>] WITH (MATERIALS|PRODUCTS)
	    [IN <destination-prefix>] FROM <step>

Rule keywords are matched case-insensitively; the returned map retains the
original casing of pattern/prefix/name elements.
*/
func UnpackRule(rule []string) (map[string]string, error) {
	if len(rule) < 2 {
		return nil, fmt.Errorf("wrong rule format, rules must start with one of "+
			"'%v' and specify a pattern as the second element, got: %v",
			genericRuleTypes.Slice(), rule)
	}

	lower := make([]string, len(rule))
	for i, elem := range rule {
		lower[i] = strings.ToLower(elem)
	}

	ruleType := lower[0]
	pattern := rule[1]

	if genericRuleTypes.Has(ruleType) {
		if len(rule) != 2 {
			return nil, fmt.Errorf("wrong rule format, generic rules must have the "+
				"form '<CREATE|DELETE|MODIFY|ALLOW|DISALLOW|REQUIRE> <pattern>', got: %v", rule)
		}
		return map[string]string{
			"type":    ruleType,
			"pattern": pattern,
		}, nil
	}

	if !complexRuleTypes.Has(ruleType) {
		return nil, fmt.Errorf("wrong rule format, rules must start with one of "+
			"'%v', got: %v", NewSet(ruleCreate, ruleDelete, ruleModify, ruleAllow,
			ruleDisallow, ruleRequire, ruleMatch).Slice(), rule)
	}

	return unpackMatchRule(rule, lower, pattern)
}

func unpackMatchRule(rule, lower []string, pattern string) (map[string]string, error) {
	n := len(rule)

	var srcPrefix, dstType, dstPrefix, dstName string

	switch {
	case n == 10 && lower[2] == "in" && lower[4] == "with" && lower[6] == "in" && lower[8] == "from":
		srcPrefix = rule[3]
		dstType = lower[5]
		dstPrefix = rule[7]
		dstName = rule[9]

	case n == 8 && lower[2] == "in" && lower[4] == "with" && lower[6] == "from":
		srcPrefix = rule[3]
		dstType = lower[5]
		dstName = rule[7]

	case n == 8 && lower[2] == "with" && lower[4] == "in" && lower[6] == "from":
		dstType = lower[3]
		dstPrefix = rule[5]
		dstName = rule[7]

	case n == 6 && lower[2] == "with" && lower[4] == "from":
		dstType = lower[3]
		dstName = rule[5]

	default:
		return nil, fmt.Errorf("wrong rule format, match rules must have one of "+
			"the forms:\n\tMATCH <pattern> WITH (MATERIALS|PRODUCTS) FROM <step>\n"+
			"\tMATCH <pattern> IN <src-prefix> WITH (MATERIALS|PRODUCTS) FROM <step>\n"+
			"\tMATCH <pattern> WITH (MATERIALS|PRODUCTS) IN <dst-prefix> FROM <step>\n"+
			"\tMATCH <pattern> IN <src-prefix> WITH (MATERIALS|PRODUCTS) IN <dst-prefix> FROM <step>\n"+
			"got: %v", rule)
	}

	if dstType != "materials" && dstType != "products" {
		return nil, fmt.Errorf("wrong rule format, match rule destination type "+
			"must be 'MATERIALS' or 'PRODUCTS', got: %s", dstType)
	}

	return map[string]string{
		"type":      ruleMatch,
		"pattern":   pattern,
		"srcPrefix": srcPrefix,
		"dstType":   dstType,
		"dstPrefix": dstPrefix,
		"dstName":   dstName,
	}, nil
}

/*
match reports whether name matches pattern, using doublestar's gitignore-
style globbing (adds "**" support over stdlib path/filepath.Match, which
this package's predecessor used).
*/
func match(pattern, name string) (bool, error) {
	if pattern == "" {
		return false, nil
	}
	return doublestar.Match(pattern, name)
}

// filterSet returns the subset of s whose elements match pattern, using the
// same doublestar semantics as match. A malformed pattern is treated as
// matching nothing.
func filterSet(s Set, pattern string) Set {
	res := NewSet()
	for elem := range s {
		ok, err := match(pattern, elem)
		if err != nil || !ok {
			continue
		}
		res.Add(elem)
	}
	return res
}
