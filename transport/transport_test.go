package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, Wrap(ErrPublish, nil))
	})

	t.Run("kind and cause", func(t *testing.T) {
		err := Wrap(ErrPublish, context.DeadlineExceeded)
		assert.ErrorIs(t, err, ErrPublish)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, "transport: publish failed: context deadline exceeded", err.Error())

		var terr *Error
		assert.True(t, errors.As(err, &terr))
		assert.Equal(t, ErrPublish, terr.Kind)
	})

	t.Run("already of kind", func(t *testing.T) {
		err := Wrap(ErrConnect, ErrConnect)
		assert.Same(t, ErrConnect, err)
	})
}
