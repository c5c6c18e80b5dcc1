// Package layer defines the visual element model composited into frames:
// host avatar, visual feed, overlays, and chat. Layers are data only;
// rendering lives in the compose package.
package layer

import (
	"sort"
	"time"
)

// Kind identifies the variant of a Layer.
type Kind string

// Layer kinds.
const (
	KindHost       Kind = "host"
	KindAssistant  Kind = "assistant"
	KindVisualFeed Kind = "visualFeed"
	KindOverlay    Kind = "overlay"
	KindChat       Kind = "chat"
)

// OverlayType identifies the content variant of an overlay layer.
type OverlayType string

// Overlay content types.
const (
	OverlayShape OverlayType = "shape"
	OverlayText  OverlayType = "text"
	OverlayImage OverlayType = "image"
)

// ShapeType identifies a shape primitive.
type ShapeType string

// Shape primitives.
const (
	ShapeRectangle ShapeType = "rectangle"
	ShapeCircle    ShapeType = "circle"
	ShapePolygon   ShapeType = "polygon"
	ShapeLine      ShapeType = "line"
)

// Point is a 2D position in canvas pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Transform positions a layer on the canvas. Rotation is in degrees,
// applied before scale.
type Transform struct {
	Position Point   `json:"position"`
	Scale    float64 `json:"scale"`
	Rotation float64 `json:"rotation"`
}

// Color is an RGBA color with 8-bit channels.
type Color struct {
	R, G, B, A uint8
}

// HostContent describes an avatar layer: a model reference plus the
// current texture (expression) to raster.
type HostContent struct {
	ModelRef   string
	TextureRef string
	Pixels     []byte // pre-decoded RGBA, stride = 4*Width
	Width      int
	Height     int
}

// VisualFeedContent describes an image-feed layer. Pixels holds the
// most recently decoded frame of the feed.
type VisualFeedContent struct {
	SourceURL string
	Pixels    []byte
	Width     int
	Height    int
}

// ShapeContent parameterizes a shape overlay.
type ShapeContent struct {
	Shape     ShapeType
	Width     float64
	Height    float64
	Radius    float64
	Points    []Point // polygon vertices or line endpoints
	Thickness float64 // line stroke width
	Fill      Color
	Opacity   float64
}

// TextAlign selects horizontal alignment of text layout.
type TextAlign string

// Text alignments.
const (
	AlignLeft   TextAlign = "left"
	AlignCenter TextAlign = "center"
	AlignRight  TextAlign = "right"
)

// TextContent parameterizes a text overlay. MaxLines of zero means
// unlimited; overflow truncates with an ellipsis.
type TextContent struct {
	Text     string
	Color    Color
	Align    TextAlign
	MaxWidth int
	MaxLines int
}

// ImageContent parameterizes an image overlay.
type ImageContent struct {
	URL      string
	Pixels   []byte
	Width    int
	Height   int
	Animated bool
	AnimRef  string // key into the animator's state table
}

// OverlayContent is the tagged content of an overlay layer. Exactly one
// of Shape, Text, or Image is set, selected by Type.
type OverlayContent struct {
	Type  OverlayType
	Shape *ShapeContent
	Text  *TextContent
	Image *ImageContent
}

// ChatMessage is a single chat entry rendered in a chat layer.
type ChatMessage struct {
	ID          string
	Author      string
	Text        string
	ReceivedAt  time.Time
	Highlighted bool
}

// ChatContent carries the message list for a chat layer. Only the last
// MaxMessages entries are rendered.
type ChatContent struct {
	Messages    []ChatMessage
	MaxMessages int
	Width       int
	Height      int
}

// Layer is one visual element composited into a frame. Content fields
// are a tagged union over Kind: Host for host/assistant layers, Feed for
// visual feeds, Overlay for overlays, Chat for chat panels.
type Layer struct {
	ID        string
	Kind      Kind
	Visible   bool
	Opacity   float64 // 0..1
	ZIndex    int
	Transform Transform
	Seq       uint64 // insertion order, breaks zIndex ties

	Host    *HostContent
	Feed    *VisualFeedContent
	Overlay *OverlayContent
	Chat    *ChatContent
}

// SortByZ orders layers ascending by ZIndex. The sort is stable: equal
// ZIndex values preserve insertion order.
func SortByZ(layers []Layer) {
	sort.SliceStable(layers, func(i, j int) bool {
		return layers[i].ZIndex < layers[j].ZIndex
	})
}
