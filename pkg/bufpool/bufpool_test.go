package bufpool

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeClasses(t *testing.T) {
	p := NewPool(&Config{SmallSize: 16, MediumSize: 64, LargeSize: 256, MaxAlloc: 1024})

	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"zero", 0, 16},
		{"small", 10, 16},
		{"small boundary", 16, 16},
		{"medium", 17, 64},
		{"large", 200, 256},
		{"oversized", 300, 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := p.Get(tt.size)
			require.NoError(t, err)
			assert.Len(t, buf, tt.size)
			assert.Equal(t, tt.wantCap, cap(buf))
			p.Put(buf)
		})
	}
}

func TestGetErrors(t *testing.T) {
	p := NewPool(&Config{MaxAlloc: 100})

	_, err := p.Get(-1)
	assert.Error(t, err)

	_, err = p.Get(101)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestGetZeroedClearsReusedBuffers(t *testing.T) {
	p := NewPool(&Config{SmallSize: 32})

	buf, err := p.Get(32)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = 0xAB
	}
	p.Put(buf)

	for range 10 {
		z, err := p.GetZeroed(32)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 32), z)
		p.Put(z)
	}
}

func TestOutstanding(t *testing.T) {
	p := NewPool(nil)
	a, _ := p.Get(10)
	b, _ := p.Get(DefaultLargeSize + 1)
	assert.EqualValues(t, 2, p.Outstanding())
	p.Put(a)
	p.Put(b)
	p.Put(nil)
	assert.EqualValues(t, 0, p.Outstanding())
}

func TestGlobalPool(t *testing.T) {
	buf, err := GetZeroed(DefaultMediumSize)
	require.NoError(t, err)
	assert.Len(t, buf, DefaultMediumSize)
	Put(buf)
}

func TestConcurrentUse(t *testing.T) {
	p := NewPool(nil)
	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := range 100 {
				buf, err := p.GetZeroed((n*j)%DefaultLargeSize + 1)
				if err != nil {
					t.Error(err)
					return
				}
				buf[0] = byte(n)
				p.Put(buf)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 0, p.Outstanding())
}
