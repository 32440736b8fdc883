package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngine_All(t *testing.T) {
	e := New("", nil)
	assert.Equal(t, ModeAll, e.Mode)
	assert.True(t, e.Allows("anything.example"))
}

func TestEngine_List(t *testing.T) {
	e := New("list", []string{" Internal ", "*.svc.local", "10.0.0.5", ""})
	cases := map[string]bool{
		"internal":          true,
		"api.internal":      true,
		"API.Internal.":     true,
		"api.internal:8443": true,
		"notinternal":       false,
		"svc.local":         false,
		"db.svc.local":      true,
		"10.0.0.5":          true,
		"[10.0.0.5]:443":    true,
		"10.0.0.6":          false,
	}
	for host, want := range cases {
		assert.Equal(t, want, e.Allows(host), host)
	}
}

func TestEngine_UnknownModeDenies(t *testing.T) {
	assert.False(t, New("bogus", []string{"a"}).Allows("a"))
}

func TestEngine_Nil(t *testing.T) {
	var e *Engine
	assert.True(t, e.Allows("x"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "example.com", Normalize(" Example.COM. "))
	assert.Equal(t, "::1", Normalize("[::1]:443"))
}
