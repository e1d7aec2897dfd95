package classmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeRuntimeLoadClassRoundTrips(t *testing.T) {
	rt := NewFakeRuntime()
	rt.Classes[5] = &RuntimeClass{ID: 5, Name: "Widget"}

	c, err := rt.LoadClass(5)
	require.NoError(t, err)
	assert.Equal(t, "Widget", c.Name)

	_, err = rt.LoadClass(6)
	assert.Error(t, err)
}

func TestFakeRuntimeInitClassMarksInited(t *testing.T) {
	rt := NewFakeRuntime()
	assert.False(t, rt.IsInited(1))
	require.NoError(t, rt.InitClass(1))
	assert.True(t, rt.IsInited(1))
}

func TestFakeRuntimeMethodLookupIsTwoWay(t *testing.T) {
	rt := NewFakeRuntime()
	rt.Methods[2] = map[int]MethodID{0: 100}

	id, ok := rt.Lookup(2, 0)
	require.True(t, ok)
	assert.Equal(t, MethodID(100), id)

	class, idx, ok := rt.Inverse(100)
	require.True(t, ok)
	assert.Equal(t, ClassID(2), class)
	assert.Equal(t, 0, idx)
}

func TestFakeFieldTableLookup(t *testing.T) {
	table := FakeFieldTable{1: {"count": {Slot: 0, Type: FieldInt}}}
	info, ok := table.Lookup(1, "count")
	require.True(t, ok)
	assert.Equal(t, FieldInt, info.Type)

	_, ok = table.Lookup(1, "missing")
	assert.False(t, ok)
}

func TestIDStringers(t *testing.T) {
	assert.Equal(t, "impl#3", MethodImplementationID(3).String())
	assert.Equal(t, "ir#7", IRMethodID(7).String())
}
