package in_toto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnpackGenericRules(t *testing.T) {
	for _, kw := range []string{"CREATE", "DELETE", "MODIFY", "ALLOW", "DISALLOW", "REQUIRE"} {
		rule, err := UnpackRule([]string{kw, "foo.py"})
		require.NoError(t, err)
		assert.Equal(t, strings.ToLower(kw), rule["type"])
		assert.Equal(t, "foo.py", rule["pattern"])
	}
}

func TestUnpackGenericRuleWrongArity(t *testing.T) {
	_, err := UnpackRule([]string{"CREATE", "foo.py", "extra"})
	assert.Error(t, err)
}

func TestUnpackRuleTooShort(t *testing.T) {
	_, err := UnpackRule([]string{"CREATE"})
	assert.Error(t, err)
}

func TestUnpackRuleUnknownKeyword(t *testing.T) {
	_, err := UnpackRule([]string{"BOGUS", "foo.py"})
	assert.Error(t, err)
}

func TestUnpackMatchRuleMinimalForm(t *testing.T) {
	rule, err := UnpackRule([]string{"MATCH", "foo.py", "WITH", "PRODUCTS", "FROM", "build"})
	require.NoError(t, err)
	assert.Equal(t, "match", rule["type"])
	assert.Equal(t, "foo.py", rule["pattern"])
	assert.Equal(t, "products", rule["dstType"])
	assert.Equal(t, "build", rule["dstName"])
	assert.Equal(t, "", rule["srcPrefix"])
	assert.Equal(t, "", rule["dstPrefix"])
}

func TestUnpackMatchRuleWithSrcPrefix(t *testing.T) {
	rule, err := UnpackRule([]string{"MATCH", "foo.py", "IN", "src/", "WITH", "MATERIALS", "FROM", "clone"})
	require.NoError(t, err)
	assert.Equal(t, "src/", rule["srcPrefix"])
	assert.Equal(t, "materials", rule["dstType"])
	assert.Equal(t, "clone", rule["dstName"])
}

func TestUnpackMatchRuleWithDstPrefix(t *testing.T) {
	rule, err := UnpackRule([]string{"MATCH", "foo.py", "WITH", "PRODUCTS", "IN", "dst/", "FROM", "build"})
	require.NoError(t, err)
	assert.Equal(t, "dst/", rule["dstPrefix"])
}

func TestUnpackMatchRuleWithBothPrefixes(t *testing.T) {
	rule, err := UnpackRule([]string{
		"MATCH", "foo.py", "IN", "src/", "WITH", "PRODUCTS", "IN", "dst/", "FROM", "build",
	})
	require.NoError(t, err)
	assert.Equal(t, "src/", rule["srcPrefix"])
	assert.Equal(t, "dst/", rule["dstPrefix"])
	assert.Equal(t, "build", rule["dstName"])
}

func TestUnpackMatchRuleRejectsBadDstType(t *testing.T) {
	_, err := UnpackRule([]string{"MATCH", "foo.py", "WITH", "BOGUS", "FROM", "build"})
	assert.Error(t, err)
}

func TestUnpackMatchRuleRejectsMalformedShape(t *testing.T) {
	_, err := UnpackRule([]string{"MATCH", "foo.py", "WITH", "PRODUCTS", "build"})
	assert.Error(t, err)
}

func TestMatchGlobbing(t *testing.T) {
	ok, err := match("*.py", "foo.py")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = match("**/*.py", "a/b/foo.py")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = match("*.py", "foo.go")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchEmptyPatternMatchesNothing(t *testing.T) {
	ok, err := match("", "foo.py")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterSet(t *testing.T) {
	s := NewSet("foo.py", "bar.py", "baz.go")
	filtered := filterSet(s, "*.py")
	assert.True(t, filtered.Has("foo.py"))
	assert.True(t, filtered.Has("bar.py"))
	assert.False(t, filtered.Has("baz.go"))
}
