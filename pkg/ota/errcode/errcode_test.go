package errcode

import (
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

func TestPackUnpack(t *testing.T) {
	c := New(SignatureCheckFailed, 0x123456)
	assert.Equal(t, uint32(c), uint32(0x01123456))
	assert.Equal(t, c.Kind(), SignatureCheckFailed)
	assert.Equal(t, c.Sub(), uint32(0x123456))
	assert.Assert(t, !c.OK())

	// sub-code bits beyond 24 never leak into the kind
	c = New(NullFilePtr, 0xffffffff)
	assert.Equal(t, c.Kind(), NullFilePtr)
	assert.Equal(t, c.Sub(), uint32(MaxSub))
}

func TestNoneIsNil(t *testing.T) {
	assert.NilError(t, Code(0).Err())
	assert.NilError(t, New(None, 0).Err())
	assert.Assert(t, Of(MomentumAbort).Err() != nil)
	assert.Equal(t, KindOf(nil), None)
}

func TestKindOfWrapped(t *testing.T) {
	platformErr := New(FileClose, 0x42)
	err := Wrap(platformErr, SignatureCheckFailed, "close file")
	assert.Equal(t, KindOf(err), SignatureCheckFailed)
	assert.Equal(t, SubOf(err), uint32(0x42))
	assert.Assert(t, errors.Is(err, Of(SignatureCheckFailed)))
	assert.Assert(t, !errors.Is(err, Of(FileAbort)))

	outer := errors.WithMessage(err, "job abc")
	assert.Equal(t, KindOf(outer), SignatureCheckFailed)
	assert.Assert(t, Is(outer, SignatureCheckFailed))

	plain := Wrap(errors.New("disk gone"), RxFileCreateFailed, "")
	assert.Equal(t, KindOf(plain), RxFileCreateFailed)
	assert.Equal(t, SubOf(plain), uint32(0))
	assert.Check(t, is.Contains(plain.Error(), "disk gone"))
}

func TestKindOfForeign(t *testing.T) {
	assert.Equal(t, KindOf(errors.New("other")), Uninitialized)
	assert.Equal(t, KindOf(errors.WithMessage(Of(UserAbort), "api")), UserAbort)
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, ImageStateMismatch.String(), "image state mismatch")
	assert.Assert(t, Panic.Known())
	assert.Assert(t, !Kind(0x99).Known())
	assert.Equal(t, Kind(0x99).String(), "kind(0x99)")
	assert.Check(t, is.Contains(New(PublishFailed, 7).Error(), "0x000007"))
}
