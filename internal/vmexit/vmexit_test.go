package vmexit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResumptionThrowsNeverResume(t *testing.T) {
	assert.Equal(t, ResumeNever, KindNullPointerException.Resumption())
	assert.Equal(t, ResumeNever, KindThrow.Resumption())
	assert.Equal(t, ResumeNever, KindReturn.Resumption())
	assert.Equal(t, ResumeAfterHandling, KindAllocateObject.Resumption())
}

func TestIndicateOkayToDrop(t *testing.T) {
	assert.False(t, Event{Kind: KindThrow}.IndicateOkayToDrop(), "an unwinding exit's payload must survive until the caller reads it")
	assert.False(t, Event{Kind: KindReturn}.IndicateOkayToDrop())
	assert.True(t, Event{Kind: KindAllocateObject}.IndicateOkayToDrop())
}

func TestSkippableExits(t *testing.T) {
	skippable := []Kind{
		KindInitClassAndRecompile,
		KindLoadClassAndRecompile,
		KindCompileFunctionAndRecompileCurrent,
		KindInvokeVirtualResolve,
		KindInvokeInterfaceResolve,
	}
	for _, k := range skippable {
		assert.True(t, k.Skippable(), "%s should be skippable", k)
	}

	notSkippable := []Kind{KindNullPointerException, KindThrow, KindAllocateObject, KindMonitorEnter}
	for _, k := range notSkippable {
		assert.False(t, k.Skippable(), "%s should not be skippable", k)
	}
}

func TestKindStringFallback(t *testing.T) {
	assert.Equal(t, "null_pointer_exception", KindNullPointerException.String())
	assert.Contains(t, Kind(999).String(), "Kind(999)")
}
