package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrecedence(t *testing.T) {
	// NOT binds tighter than AND, AND tighter than XOR, XOR tighter
	// than OR.
	root, err := parseQuery("a AND NOT b XOR c OR d")
	require.NoError(t, err)

	require.Equal(t, nodeOr, root.kind)
	assert.Equal(t, nodeXor, root.left.kind)
	assert.Equal(t, nodeTerm, root.right.kind)
	assert.Equal(t, "d", root.right.term)

	xor := root.left
	require.Equal(t, nodeAnd, xor.left.kind)
	assert.Equal(t, nodeNot, xor.left.right.kind)
	assert.Equal(t, "b", xor.left.right.left.term)
	assert.Equal(t, "c", xor.right.term)
}

func TestParseImplicitAnd(t *testing.T) {
	root, err := parseQuery("red apple pie")
	require.NoError(t, err)

	require.Equal(t, nodeAnd, root.kind)
	require.Equal(t, nodeAnd, root.left.kind)
	assert.Equal(t, "red", root.left.left.term)
	assert.Equal(t, "apple", root.left.right.term)
	assert.Equal(t, "pie", root.right.term)
}

func TestParseMustAndMustNot(t *testing.T) {
	root, err := parseQuery("+keep -drop")
	require.NoError(t, err)

	require.Equal(t, nodeAnd, root.kind)
	assert.Equal(t, "keep", root.left.term)
	require.Equal(t, nodeNot, root.right.kind)
	assert.Equal(t, "drop", root.right.left.term)
}

func TestParsePhrase(t *testing.T) {
	root, err := parseQuery(`"exact phrase"`)
	require.NoError(t, err)

	assert.Equal(t, nodeTerm, root.kind)
	assert.Equal(t, "exact phrase", root.term)
	assert.True(t, root.phrase)
}

func TestParseFieldAndPrefix(t *testing.T) {
	root, err := parseQuery("subject:bud*")
	require.NoError(t, err)

	assert.Equal(t, "subject", root.field)
	assert.Equal(t, "bud", root.term)
	assert.True(t, root.prefix)
}

func TestParseFieldQuotedTerm(t *testing.T) {
	root, err := parseQuery(`from:"alice"`)
	require.NoError(t, err)

	assert.Equal(t, "from", root.field)
	assert.Equal(t, "alice", root.term)
	assert.True(t, root.phrase)
}

func TestParseUnknownFieldIsPlainTerm(t *testing.T) {
	root, err := parseQuery("priority:high")
	require.NoError(t, err)

	assert.Empty(t, root.field)
	assert.Equal(t, "priority:high", root.term)
}

func TestParseErrors(t *testing.T) {
	for _, query := range []string{
		"",
		"   ",
		`"unterminated`,
		"AND",
		"a OR",
		"NOT",
	} {
		_, err := parseQuery(query)
		assert.Error(t, err, "query %q", query)
	}
}

func TestLeafMatchRendering(t *testing.T) {
	n := &node{kind: nodeTerm, term: "bud", prefix: true, field: "subject"}
	assert.Equal(t, `{subject} : "bud" *`, n.match())

	n = &node{kind: nodeTerm, term: `say "hi"`, phrase: true}
	assert.Equal(t, `"say ""hi"""`, n.match())
}

func TestSQLCompilation(t *testing.T) {
	root, err := parseQuery("a XOR b")
	require.NoError(t, err)

	var args []interface{}
	sql := root.sql(&args)

	assert.Contains(t, sql, "<>")
	require.Len(t, args, 2)
	assert.Equal(t, `"a"`, args[0])
	assert.Equal(t, `"b"`, args[1])
}
