// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestDefaults(t *testing.T) {
	r := NewRequest("http://example.test/a")
	assert.Equal(t, "GET", r.Method)
	assert.Equal(t, int64(-1), r.ContentLength())
	assert.NotEmpty(t, r.CorrelationID)
}

func TestWithPostJSONCommitIsIdempotent(t *testing.T) {
	r := WithPostJSON("http://example.test/a")
	root := r.JSONRoot()
	require.NotNil(t, root)
	root.Set("name", "widget").Set("count", 3)

	require.NoError(t, r.CommitJSON())
	first := string(r.Body)
	assert.Contains(t, first, `"name":"widget"`)
	assert.Contains(t, first, `"count":3`)

	// a second commit must not alter Body once it has been set.
	root.Set("count", 99)
	require.NoError(t, r.CommitJSON())
	assert.Equal(t, first, string(r.Body))
}

func TestJSONBuilderNestedObjectsAndArrays(t *testing.T) {
	root := newJSONValue(false)
	root.Set("id", 1)
	arr := root.Array("tags")
	arr.Append("a").Append("b")
	obj := root.Object("meta")
	obj.Set("ok", true)

	s, err := root.stringify()
	require.NoError(t, err)
	assert.Contains(t, s, `"tags":["a","b"]`)
	assert.Contains(t, s, `"meta":{"ok":true}`)
}

func TestComputeBackoffRespectsMinMax(t *testing.T) {
	r := NewRequest("http://example.test/a")
	r.EnableRetries(10, 100*time.Millisecond, time.Second, FullJitter)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 10; i++ {
		r.currentRetries = i
		d := r.computeBackoff(rng)
		assert.GreaterOrEqual(t, d, r.MinBackoff)
		assert.LessOrEqual(t, d, r.MaxBackoff)
	}
}

func TestComputeBackoffEqualJitterStaysAboveHalf(t *testing.T) {
	r := NewRequest("http://example.test/a")
	r.EnableRetries(1, 200*time.Millisecond, 200*time.Millisecond, EqualJitter)
	rng := rand.New(rand.NewSource(7))

	d := r.computeBackoff(rng)
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	assert.LessOrEqual(t, d, 200*time.Millisecond)
}

func TestIsRetryableStatusDefaultsToNon2xx(t *testing.T) {
	r := NewRequest("http://example.test/a")
	assert.True(t, r.isRetryableStatus(500))
	assert.True(t, r.isRetryableStatus(404))
	assert.False(t, r.isRetryableStatus(200))
}

func TestIsRetryableStatusRestrictedToExplicitCodes(t *testing.T) {
	r := NewRequest("http://example.test/a")
	r.EnableRetries(3, time.Millisecond, time.Second, FullJitter, 500, 503)
	assert.True(t, r.isRetryableStatus(503))
	assert.False(t, r.isRetryableStatus(404))
}

func TestAddHeaderVsSetHeader(t *testing.T) {
	r := NewRequest("http://example.test/a")
	r.AddHeader("X-Tag", "a").AddHeader("X-Tag", "b")
	assert.Equal(t, []string{"a", "b"}, r.Header.Values("X-Tag"))

	r.SetHeader("X-Tag", "only")
	assert.Equal(t, []string{"only"}, r.Header.Values("X-Tag"))
}
