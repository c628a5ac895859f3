package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowTable_LookupOrientation(t *testing.T) {
	tbl := newFlowTable()
	k := tcpKey()
	fl := &flow{}
	tbl.set(k, fl)

	got, isOrig, ok := tbl.lookup(k)
	assert.True(t, ok)
	assert.True(t, isOrig)
	assert.Same(t, fl, got)

	got, isOrig, ok = tbl.lookup(k.Reverse())
	assert.True(t, ok)
	assert.False(t, isOrig)
	assert.Same(t, fl, got)

	_, _, ok = tbl.lookup(udpKey())
	assert.False(t, ok)

	tbl.delete(k)
	assert.Zero(t, tbl.count())
}
