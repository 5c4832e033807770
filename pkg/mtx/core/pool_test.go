package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

func Test_Pool_AllocateChargesQuota(t *testing.T) {
	p := NewPool(10)
	s, err := p.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), p.Used())
	assert.Equal(t, uint64(0), s.Offset())

	s2, err := p.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), s2.Offset())
	assert.Equal(t, uint64(8), p.Used())
}

func Test_Pool_AllocateRejectsOverQuota(t *testing.T) {
	p := NewPool(4)
	_, err := p.Allocate(5)
	require.ErrorIs(t, err, types.ErrQuotaExceeded)
	assert.Equal(t, uint64(0), p.Used())
}

func Test_Pool_ZeroCapacityIsUnlimited(t *testing.T) {
	p := NewPool(0)
	_, err := p.Allocate(1 << 20)
	require.NoError(t, err)
}

func Test_Pool_ReleaseReturnsQuota(t *testing.T) {
	p := NewPool(10)
	s, err := p.Allocate(4)
	require.NoError(t, err)
	p.Release(s)
	assert.Equal(t, uint64(0), p.Used())
}

func Test_Pool_WriteVecsScatterGathers(t *testing.T) {
	p := NewPool(0)
	s, err := p.Allocate(5)
	require.NoError(t, err)

	n, err := p.WriteVecs(s, [][]byte{[]byte("ab"), []byte("cde")})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)
	assert.Equal(t, []byte("abcde"), s.Bytes())
}

func Test_Pool_WriteVecsFaultsOnOverflow(t *testing.T) {
	p := NewPool(0)
	s, err := p.Allocate(2)
	require.NoError(t, err)

	_, err = p.WriteVecs(s, [][]byte{[]byte("abc")})
	require.ErrorIs(t, err, types.ErrFault)
}
