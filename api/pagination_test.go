package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageParamsDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/certs", nil)
	limit, offset := pageParams(r)
	assert.Equal(t, defaultPageLimit, limit)
	assert.Equal(t, 0, offset)
}

func TestPageParamsParsesAndCaps(t *testing.T) {
	r := httptest.NewRequest("GET", "/certs?limit=25&offset=50", nil)
	limit, offset := pageParams(r)
	assert.Equal(t, 25, limit)
	assert.Equal(t, 50, offset)

	r = httptest.NewRequest("GET", "/certs?limit=9999", nil)
	limit, _ = pageParams(r)
	assert.Equal(t, maxPageLimit, limit)
}

func TestPageParamsIgnoresGarbage(t *testing.T) {
	r := httptest.NewRequest("GET", "/certs?limit=banana&offset=-3", nil)
	limit, offset := pageParams(r)
	assert.Equal(t, defaultPageLimit, limit)
	assert.Equal(t, 0, offset)
}

func TestPageWindow(t *testing.T) {
	start, end, meta := pageWindow(10, 4, 0)
	assert.Equal(t, 0, start)
	assert.Equal(t, 4, end)
	assert.True(t, meta.HasMore)
	assert.Equal(t, 10, meta.TotalCount)

	start, end, meta = pageWindow(10, 4, 8)
	assert.Equal(t, 8, start)
	assert.Equal(t, 10, end)
	assert.False(t, meta.HasMore)

	// An offset past the collection yields an empty page, not an error.
	start, end, meta = pageWindow(10, 4, 50)
	assert.Equal(t, start, end)
	assert.False(t, meta.HasMore)
}
