package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	conflict := Conflict("already_member", "already a member")
	wrapped := fmt.Errorf("create: %w", conflict.Wrap(errors.New("unique violation")))

	assert.ErrorIs(t, wrapped, conflict)
	assert.NotErrorIs(t, wrapped, Conflict("other", ""))
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, IsKind(nil, KindInternal))
	assert.True(t, IsKind(ErrActorSuspended, KindAuthorization))
}
