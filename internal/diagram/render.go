package diagram

import (
	"context"
	"fmt"
)

// Formats lists the output formats accepted by Render.
var Formats = []string{"mermaid", "ascii", string(ImagePNG), string(ImageSVG)}

// Render renders model in the named format.
func Render(ctx context.Context, model *DiagramModel, format string) ([]byte, error) {
	switch format {
	case "mermaid", "":
		return []byte(RenderMermaid(model)), nil
	case "ascii":
		return []byte(RenderASCII(model)), nil
	case string(ImagePNG), string(ImageSVG):
		return RenderImage(ctx, model, ImageFormat(format))
	default:
		return nil, fmt.Errorf("diagram: unknown format %q (want one of %v)", format, Formats)
	}
}

// ContentType returns the HTTP content type of a Render format.
func ContentType(format string) string {
	switch format {
	case string(ImagePNG):
		return "image/png"
	case string(ImageSVG):
		return "image/svg+xml"
	default:
		return "text/plain; charset=utf-8"
	}
}
