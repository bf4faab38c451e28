package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntryKey(t *testing.T) {
	a := entryKey(3, `eq(serialNumber,"sn1")`)
	b := entryKey(4, `eq(serialNumber,"sn1")`)
	c := entryKey(3, `eq(serialNumber,"sn2")`)

	assert.True(t, strings.HasPrefix(a, "idlookup:q:3:"))
	assert.NotEqual(t, a, b, "generation is part of the key")
	assert.NotEqual(t, a, c, "predicate is part of the key")
	assert.Equal(t, a, entryKey(3, `eq(serialNumber,"sn1")`))
}
