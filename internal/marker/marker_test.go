package marker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	done     Name = "CLARIFY_COMPLETE"
	verified Name = "CLARIFY_VERIFIED"
	findings Name = "VERIFY_FINDINGS"
)

func TestName_Validate(t *testing.T) {
	tests := []struct {
		name    Name
		wantErr bool
	}{
		{"CLARIFY_COMPLETE", false},
		{"A", false},
		{"X1_2", false},
		{"", true},
		{"lowercase", true},
		{"1LEADING_DIGIT", true},
		{"HAS SPACE", true},
		{"DASH-ED", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			err := tt.name.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHas(t *testing.T) {
	t.Run("detects marker anywhere in document", func(t *testing.T) {
		text := "# Spec\n\nsome prose <!-- CLARIFY_COMPLETE --> trailing\nmore\n"
		assert.True(t, Has(text, done))
	})

	t.Run("tolerates irregular whitespace", func(t *testing.T) {
		assert.True(t, Has("<!--CLARIFY_COMPLETE-->", done))
		assert.True(t, Has("<!--   CLARIFY_COMPLETE\t-->", done))
	})

	t.Run("bare token in prose is not a marker", func(t *testing.T) {
		assert.False(t, Has("remember to set CLARIFY_COMPLETE when done", done))
	})

	t.Run("prefix of another marker does not match", func(t *testing.T) {
		assert.False(t, Has("<!-- CLARIFY_COMPLETE_LATER -->", done))
	})
}

func TestSet_Idempotent(t *testing.T) {
	text := "# Spec\n\nBody text.\n"

	once := Set(text, done)
	twice := Set(once, done)

	assert.Equal(t, once, twice)
	assert.Equal(t, 1, Count(twice, done))
	assert.True(t, strings.HasSuffix(twice, done.Sentinel()+"\n"))
	assert.True(t, strings.HasPrefix(twice, "# Spec\n\nBody text."))
}

func TestSet_NormalizesStrayDuplicates(t *testing.T) {
	text := "<!-- CLARIFY_COMPLETE -->\n# Spec\n\ninline <!-- CLARIFY_COMPLETE --> here\n\n<!-- CLARIFY_COMPLETE -->\n"
	require.Equal(t, 3, Count(text, done))
	assert.True(t, Has(text, done))

	out := Set(text, done)

	assert.Equal(t, 1, Count(out, done))
	assert.True(t, strings.HasSuffix(out, done.Sentinel()+"\n"))
	assert.Contains(t, out, "inline  here")
}

func TestSet_EmptyDocument(t *testing.T) {
	assert.Equal(t, "<!-- CLARIFY_COMPLETE -->\n", Set("", done))
	assert.Equal(t, "<!-- CLARIFY_COMPLETE -->\n", Set("\n\n", done))
}

func TestSet_ClearsExclusive(t *testing.T) {
	text := "# Spec\n\n<!-- CLARIFY_COMPLETE -->\n"

	out := Set(text, findings, done, verified)

	assert.False(t, Has(out, done))
	assert.True(t, Has(out, findings))
	assert.Equal(t, 1, Count(out, findings))
}

func TestSet_KeepsUnrelatedMarkers(t *testing.T) {
	text := "# Spec\n\n<!-- SPECIFY_COMPLETE -->\n"

	out := Set(text, done)

	assert.True(t, Has(out, "SPECIFY_COMPLETE"))
	assert.True(t, Has(out, done))
	assert.Equal(t, []Name{"SPECIFY_COMPLETE", done}, List(out))
}

func TestClear(t *testing.T) {
	t.Run("removes every occurrence", func(t *testing.T) {
		text := "# Spec\n<!-- CLARIFY_COMPLETE -->\nbody\n\n<!-- CLARIFY_COMPLETE -->\n"

		out, changed := Clear(text, done)

		assert.True(t, changed)
		assert.False(t, Has(out, done))
		assert.Equal(t, "# Spec\nbody\n", out)
	})

	t.Run("absent marker leaves text untouched", func(t *testing.T) {
		text := "# Spec\n\nbody   \n\n"

		out, changed := Clear(text, done)

		assert.False(t, changed)
		assert.Equal(t, text, out)
	})

	t.Run("document with only the marker becomes empty", func(t *testing.T) {
		out, changed := Clear("<!-- CLARIFY_COMPLETE -->\n", done)
		assert.True(t, changed)
		assert.Equal(t, "", out)
	})
}

func TestList(t *testing.T) {
	text := "<!-- B_MARK -->\nprose\n<!-- A_MARK -->\n<!-- B_MARK -->\n<!-- not-a-marker -->\n"
	assert.Equal(t, []Name{"B_MARK", "A_MARK"}, List(text))
	assert.Empty(t, List("no markers at all"))
}

func TestParseOp(t *testing.T) {
	op, err := ParseOp("SET")
	require.NoError(t, err)
	assert.Equal(t, OpSet, op)

	op, err = ParseOp(" clear ")
	require.NoError(t, err)
	assert.Equal(t, OpClear, op)

	_, err = ParseOp("toggle")
	assert.ErrorIs(t, err, ErrUnknownOp)
	assert.ErrorIs(t, Op("").Validate(), ErrUnknownOp)
}
