package seqfilter

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestStrictMonotonic(t *testing.T) {
	f := New()
	id := uuid.New()

	assert.True(t, f.Check(id, 1))
	assert.True(t, f.Check(id, 2))
	assert.False(t, f.Check(id, 2)) // duplicate
	assert.False(t, f.Check(id, 1)) // reorder
	assert.True(t, f.Check(id, 5))
}

func TestPerSenderIndependent(t *testing.T) {
	f := New()
	a, b := uuid.New(), uuid.New()

	assert.True(t, f.Check(a, 10))
	assert.True(t, f.Check(b, 1))
	assert.False(t, f.Check(b, 1))
	assert.True(t, f.Check(a, 11))
}

func TestResetForRestart(t *testing.T) {
	f := New()
	id := uuid.New()
	assert.True(t, f.Check(id, 100))

	// Sender restarted: uptime went backwards, force the baseline down.
	f.Reset(id, 1)
	assert.True(t, f.Check(id, 2))
	assert.False(t, f.Check(id, 1))
}

func TestForgetClearsState(t *testing.T) {
	f := New()
	id := uuid.New()
	assert.True(t, f.Check(id, 5))
	f.Forget(id)
	assert.True(t, f.Check(id, 1)) // treated as first-seen again
}
