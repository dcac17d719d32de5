package syncengine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skygent/skygent/internal/apperr"
)

func TestCombineIsAssociative(t *testing.T) {
	a := Result{PostsAdded: 1, PostsSkipped: 2, Errors: []ItemError{{Stage: apperr.StageParse, Err: errors.New("a")}}}
	b := Result{PostsAdded: 3, PostsSkipped: 0, Errors: []ItemError{{Stage: apperr.StageFilter, Err: errors.New("b")}}}
	c := Result{PostsAdded: 0, PostsSkipped: 5}

	assert.Equal(t, Combine(a, Combine(b, c)), Combine(Combine(a, b), c))
}

func TestZeroIsIdentity(t *testing.T) {
	x := Result{PostsAdded: 4, PostsSkipped: 1, Errors: []ItemError{{Stage: apperr.StageStore, Err: errors.New("x")}}}
	assert.Equal(t, x, Combine(Zero(), x))
	assert.Equal(t, x, Combine(x, Zero()))
	assert.Equal(t, Zero(), Combine(Zero(), Zero()))
}
