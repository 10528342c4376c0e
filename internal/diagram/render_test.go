package diagram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

func TestRenderMermaid(t *testing.T) {
	exec := &schema.Execution{ID: "e", CurrentNodeID: "ask", Status: schema.ExecutionPaused}
	m, err := Build(supportFlow(), exec, []*schema.LogEntry{{NodeID: "greet", Action: schema.LogExecuted}})
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, `check{"check<br/>area equals ventas"}`)
	assert.Contains(t, out, `ask[/"ask<br/>¿Ventas o soporte? -> area"/]`)
	assert.Contains(t, out, `handoff{{"handoff<br/>to support"}}`)
	assert.Contains(t, out, `__start__((`)
	assert.Contains(t, out, `ask -->|"#quot;ventas#quot;"| check`)
	assert.Contains(t, out, `check -->|"true"| tag`)
	assert.Contains(t, out, "class greet executed")
	assert.Contains(t, out, "class ask paused")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "order_status_v2", mermaidSafeID("order-status.v2"))
}

func TestRenderASCII(t *testing.T) {
	exec := &schema.Execution{ID: "e", CurrentNodeID: "check", Status: schema.ExecutionRunning}
	m, err := Build(supportFlow(), exec, nil)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.True(t, strings.HasPrefix(out, "=== Support (execution e, running) ===\n"))
	assert.Contains(t, out, "│ greet")
	assert.Contains(t, out, "[HERE]")
	assert.Contains(t, out, "▼")
	assert.Contains(t, out, "check ─[true]→ tag")
	assert.Contains(t, out, "greet ─→ ask")
}

func TestRenderASCII_BoxesAlign(t *testing.T) {
	m, err := Build(supportFlow(), nil, nil)
	require.NoError(t, err)

	box := makeBox(m.node("ask"))
	require.Len(t, box.lines, 4)
	for _, line := range box.lines {
		assert.Equal(t, box.width, len([]rune(line)))
	}
}

func TestRender_Dispatch(t *testing.T) {
	m, err := Build(supportFlow(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	out, err := Render(ctx, m, "")
	require.NoError(t, err)
	assert.Equal(t, RenderMermaid(m), string(out))

	out, err = Render(ctx, m, "ascii")
	require.NoError(t, err)
	assert.Equal(t, RenderASCII(m), string(out))

	_, err = Render(ctx, m, "pdf")
	assert.ErrorContains(t, err, "pdf")

	assert.Equal(t, "image/png", ContentType("png"))
	assert.Equal(t, "image/svg+xml", ContentType("svg"))
	assert.Equal(t, "text/plain; charset=utf-8", ContentType("mermaid"))
}

func TestRenderImage(t *testing.T) {
	exec := &schema.Execution{ID: "e", CurrentNodeID: "ask", Status: schema.ExecutionRunning}
	m, err := Build(supportFlow(), exec, nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), m, ImagePNG)
	require.NoError(t, err)
	require.True(t, len(png) > 8, "PNG should be larger than header")
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	svg, err := RenderImage(context.Background(), m, ImageSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")

	_, err = RenderImage(context.Background(), m, "gif")
	assert.Error(t, err)
}
