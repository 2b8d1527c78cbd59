package templates

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_Basic(t *testing.T) {
	e := NewEngine()
	out, err := e.Render("Hello {{name}}!", map[string]interface{}{"name": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "Hello Alice!", out)
}

func TestRender_ParseErrorCarriesExcerpt(t *testing.T) {
	e := NewEngine()
	_, err := e.Render("Hello {{#if broken}}no closing tag", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no closing tag")
}

func TestRender_ExcerptIsTruncated(t *testing.T) {
	e := NewEngine()
	long := strings.Repeat("x", 500) + " {{#if broken}}"
	_, err := e.Render(long, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "...")
	assert.NotContains(t, err.Error(), strings.Repeat("x", 200))
}

func TestRenderHTML_Markdown(t *testing.T) {
	e := NewEngine()
	out, err := e.RenderHTML("# Alert: {{subject}}", TypeMarkdown, map[string]interface{}{
		"subject": "disk full",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "<h1>")
	assert.Contains(t, out, "disk full")
}

func TestRenderHTML_HTMLPassthrough(t *testing.T) {
	e := NewEngine()
	out, err := e.RenderHTML("<p>{{body}}</p>", TypeHTML, map[string]interface{}{
		"body": "plain",
	})
	require.NoError(t, err)
	assert.Equal(t, "<p>plain</p>", out)
}

func TestRenderHTML_UnknownType(t *testing.T) {
	e := NewEngine()
	_, err := e.RenderHTML("x", "yaml", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown template type")
}

func TestHelper_JSON(t *testing.T) {
	e := NewEngine()
	out, err := e.Render(`{{json items}}`, map[string]interface{}{
		"items": []interface{}{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, out)
}

func TestHelper_LookupNested(t *testing.T) {
	ctx := map[string]interface{}{
		"order": map[string]interface{}{
			"customer": map[string]interface{}{"name": "Bob"},
		},
	}

	e := NewEngine()
	out, err := e.Render(`{{lookup_nested this "order.customer.name"}}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bob", out)

	out, err = e.Render(`[{{lookup_nested this "order.missing.deep"}}]`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestHelper_AtIndexAndLength(t *testing.T) {
	ctx := map[string]interface{}{"tags": []interface{}{"alpha", "beta"}}

	e := NewEngine()
	out, err := e.Render(`{{at_index tags 1}} of {{length tags}}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "beta of 2", out)

	out, err = e.Render(`[{{at_index tags 9}}]`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestHelper_Eq(t *testing.T) {
	e := NewEngine()
	src := `{{#eq status "open"}}OPEN{{else}}CLOSED{{/eq}}`

	out, err := e.Render(src, map[string]interface{}{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, "OPEN", out)

	out, err = e.Render(src, map[string]interface{}{"status": "done"})
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", out)
}

func TestHelper_EachWithPath(t *testing.T) {
	e := NewEngine()
	src := `{{#each_with_path items root="items"}}{{@path}}={{this}};{{/each_with_path}}`
	out, err := e.Render(src, map[string]interface{}{
		"items": []interface{}{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "items[0]=a;items[1]=b;", out)
}

func TestHelper_EachWithPathMap(t *testing.T) {
	e := NewEngine()
	src := `{{#each_with_path fields}}{{@path}}={{this}};{{/each_with_path}}`
	out, err := e.Render(src, map[string]interface{}{
		"fields": map[string]interface{}{"b": "2", "a": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a=1;b=2;", out)
}
