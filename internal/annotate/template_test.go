package annotate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnotateTemplateRootTag(t *testing.T) {
	a := newTestAnnotator(true)
	src := `<template>
  <div class="card">
    <p>{{ msg }}</p>
  </div>
</template>

<script setup>
const msg = "hi";
</script>
`
	res := a.Annotate("components/Card.vue", src)
	require.True(t, res.Changed)
	assert.Contains(t, res.Code, `<div data-nb-component="components/Card.vue" class="card">`)
	// Script block untouched
	assert.Contains(t, res.Code, `const msg = "hi";`)
	// Textual path produces no source map
	assert.Nil(t, res.Map)
}

func TestAnnotateTemplateSelfClosingRoot(t *testing.T) {
	a := newTestAnnotator(true)
	src := `<template><img src="/logo.svg"/></template>`
	res := a.Annotate("components/Logo.vue", src)
	require.True(t, res.Changed)
	assert.Contains(t, res.Code, `<img data-nb-component="components/Logo.vue" src="/logo.svg"/>`)
}

func TestAnnotateTemplateBareTag(t *testing.T) {
	a := newTestAnnotator(true)
	src := `<template>
  <main>content</main>
</template>
`
	res := a.Annotate("pages/Plain.vue", src)
	require.True(t, res.Changed)
	assert.Contains(t, res.Code, `<main data-nb-component="pages/Plain.vue">content</main>`)
}

func TestAnnotateTemplateIdempotent(t *testing.T) {
	a := newTestAnnotator(true)
	src := `<template>
  <div class="x">hi</div>
</template>
`
	first := a.Annotate("components/Once.vue", src)
	require.True(t, first.Changed)

	second := a.Annotate("components/Once.vue", first.Code)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, 1, strings.Count(second.Code, Attribute))
}

func TestAnnotateTemplateQuoteEscaping(t *testing.T) {
	a := newTestAnnotator(true)
	src := `<template><div>x</div></template>`
	res := a.Annotate(`components/We"ird.vue`, src)
	require.True(t, res.Changed)
	assert.Contains(t, res.Code, `&quot;`)
}

func TestAnnotateTemplateUnchangedCases(t *testing.T) {
	a := newTestAnnotator(true)

	tests := []struct {
		name string
		src  string
	}{
		{
			name: "no template block",
			src:  `<script>export default {}</script>`,
		},
		{
			name: "no root tag",
			src: `<template>
  {{ expression }}
</template>`,
		},
		{
			name: "unterminated template marker",
			src:  `<template`,
		},
		{
			name: "missing closing marker",
			src:  `<template><div>x</div>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.Annotate("components/Edge.vue", tt.src)
			assert.False(t, res.Changed)
			assert.Equal(t, tt.src, res.Code)
		})
	}
}

func TestAnnotateTemplateStripExtension(t *testing.T) {
	a := newTestAnnotator(false)
	src := `<template><div>x</div></template>`
	res := a.Annotate("components/Card.vue", src)
	require.True(t, res.Changed)
	assert.Contains(t, res.Code, `data-nb-component="components/Card"`)
}
