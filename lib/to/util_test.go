package to

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilString(t *testing.T) {
	t.Run("empty string", func(t *testing.T) {
		assert.Nil(t, NilString(""))
	})
	t.Run("non-empty string", func(t *testing.T) {
		assert.Equal(t, "hello", *NilString("hello"))
	})
}

func TestEmpty(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Equal(t, "", Empty((*string)(nil)))
		assert.Equal(t, 0, Empty((*int)(nil)))
	})
	t.Run("value", func(t *testing.T) {
		assert.Equal(t, 42, Empty(Ptr(42)))
	})
}
