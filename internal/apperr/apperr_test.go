package apperr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeByTag(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"store not found", &StoreNotFound{Base: Base{Op: "x"}, Store: "demo"}, ExitStoreNotFound},
		{"store io", &StoreIoError{Base: Base{Op: "x"}, StorePath: "/tmp/x"}, ExitStoreIo},
		{"filter compile", &FilterCompileError{Base: Base{Op: "x"}, Path: "$.expr"}, ExitFilterCompileEval},
		{"bsky", &BskyError{Base: Base{Op: "x"}, HTTPStatus: 500}, ExitBskyError},
		{"sync source", &SyncError{Base: Base{Op: "x"}, Stage: StageSource}, ExitBskyError},
		{"sync filter", &SyncError{Base: Base{Op: "x"}, Stage: StageFilter}, ExitFilterCompileEval},
		{"sync store", &SyncError{Base: Base{Op: "x"}, Stage: StageStore}, ExitStoreIo},
		{"config", &ConfigError{Base: Base{Op: "x"}, Key: "SKYGENT_STORE_ROOT"}, ExitCliOrConfig},
		{"plain", fmt.Errorf("boom"), ExitUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.err))
		})
	}
}

func TestErrorsAsUnwrapsThroughWrapping(t *testing.T) {
	base := &StoreNotFound{Base: Base{Op: "storemgr.Open"}, Store: "demo"}
	wrapped := fmt.Errorf("opening store: %w", base)
	assert.Equal(t, ExitStoreNotFound, ExitCode(wrapped))
}

func TestToEnvelopeNeverRewrapsADifferentTag(t *testing.T) {
	err := &FilterCompileError{Base: Base{Op: "filter.Compile", Err: fmt.Errorf("bad regex")}, Path: "$.patterns[0]"}
	env := ToEnvelope(err)
	assert.Equal(t, "FilterCompileError", env.Error.Type)
	assert.Equal(t, ExitFilterCompileEval, env.Error.ExitCode)
	assert.Contains(t, env.Error.Message, "bad regex")
}
