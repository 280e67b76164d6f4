package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddressManagerUnbounded(t *testing.T) {
	m := newAddressManager(-1)
	m.add("a", 1<<40)

	granted := 0
	m.request(nil, "a", 10, func(c int) { granted += c })
	assert.Equal(t, 10, granted)
	assert.Zero(t, m.waiting("a"))
}

func TestAddressManagerParksUntilRelease(t *testing.T) {
	m := newAddressManager(100)
	owner := &ServerSession{}

	var grants []int
	grant := func(c int) { grants = append(grants, c) }

	m.request(owner, "a", 5, grant)
	assert.Equal(t, []int{5}, grants, "room available")

	m.add("a", 100)
	assert.EqualValues(t, 100, m.used("a"))
	m.request(owner, "a", 7, grant)
	m.request(owner, "a", 9, grant)
	assert.Equal(t, 2, m.waiting("a"))

	m.release("a", 10)
	assert.Equal(t, []int{5, 7, 9}, grants, "parked requests granted in order")
	assert.Zero(t, m.waiting("a"))
	assert.EqualValues(t, 90, m.used("a"))
}

func TestAddressManagerReleaseClampsAtZero(t *testing.T) {
	m := newAddressManager(10)
	m.add("a", 5)
	m.release("a", 50)
	assert.Zero(t, m.used("a"))

	m.release("unknown", 1)
	assert.Zero(t, m.used("unknown"))
}

func TestAddressManagerCancel(t *testing.T) {
	m := newAddressManager(1)
	m.add("a", 1)

	first, second := &ServerSession{}, &ServerSession{}
	granted := map[*ServerSession]int{}
	m.request(first, "a", 1, func(c int) { granted[first] += c })
	m.request(second, "a", 2, func(c int) { granted[second] += c })
	assert.Equal(t, 2, m.waiting("a"))

	m.cancel(first)
	assert.Equal(t, 1, m.waiting("a"))

	m.release("a", 1)
	assert.Zero(t, granted[first])
	assert.Equal(t, 2, granted[second])
}
