package board

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the drawable primitives a board can hold.
type Kind string

const (
	// KindRect is an axis-aligned rectangle.
	KindRect Kind = "rect"
	// KindEllipse is an ellipse centred on x/y.
	KindEllipse Kind = "ellipse"
	// KindText is a text label.
	KindText Kind = "text"
	// KindLine is a polyline with an optional arrow marker.
	KindLine Kind = "line"
	// KindPath is free-form SVG path data.
	KindPath Kind = "path"
)

const (
	fieldID       = "id"
	fieldKind     = "kind"
	fieldFill     = "fill"
	fieldStroke   = "stroke"
	fieldMetadata = "metadata"

	metadataGroupID     = "groupId"
	metadataContainerID = "containerId"
)

var (
	// ErrUnknownKind indicates that an object names a kind outside the five primitives.
	ErrUnknownKind = errors.New("board: unknown object kind")
	// ErrInvalidObject indicates that an object payload does not match its kind.
	ErrInvalidObject = errors.New("board: invalid object")
)

// Valid reports whether the kind is one of the supported primitives.
func (k Kind) Valid() bool {
	switch k {
	case KindRect, KindEllipse, KindText, KindLine, KindPath:
		return true
	default:
		return false
	}
}

// Style holds the optional visual attributes shared by every primitive.
type Style struct {
	Fill        *string  `json:"fill,omitempty"`
	Stroke      *string  `json:"stroke,omitempty"`
	StrokeWidth *float64 `json:"strokeWidth,omitempty"`
}

// Metadata carries the reserved grouping keys plus open extension fields.
type Metadata struct {
	GroupID     string
	ContainerID string
	Extra       map[string]json.RawMessage
}

// MarshalJSON flattens the reserved keys and extension fields into one object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	flat := make(map[string]json.RawMessage, len(m.Extra)+2)
	for key, value := range m.Extra {
		flat[key] = value
	}
	if m.GroupID != "" {
		encoded, err := json.Marshal(m.GroupID)
		if err != nil {
			return nil, err
		}
		flat[metadataGroupID] = encoded
	}
	if m.ContainerID != "" {
		encoded, err := json.Marshal(m.ContainerID)
		if err != nil {
			return nil, err
		}
		flat[metadataContainerID] = encoded
	}
	return json.Marshal(flat)
}

// UnmarshalJSON splits the reserved keys from the extension fields.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	*m = Metadata{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	for key, value := range flat {
		switch key {
		case metadataGroupID:
			if err := decodeOptionalString(value, &m.GroupID); err != nil {
				return fmt.Errorf("metadata.%s: %w", key, err)
			}
		case metadataContainerID:
			if err := decodeOptionalString(value, &m.ContainerID); err != nil {
				return fmt.Errorf("metadata.%s: %w", key, err)
			}
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]json.RawMessage)
			}
			m.Extra[key] = value
		}
	}
	return nil
}

func decodeOptionalString(raw json.RawMessage, target *string) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		*target = ""
		return nil
	}
	return json.Unmarshal(raw, target)
}

// Common is embedded by every primitive.
type Common struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	Style
	Metadata Metadata `json:"metadata"`
}

// ObjectID returns the caller-assigned identifier.
func (c *Common) ObjectID() string {
	return c.ID
}

// ObjectKind returns the discriminator.
func (c *Common) ObjectKind() Kind {
	return c.Kind
}

// Base exposes the shared fields for in-place normalization.
func (c *Common) Base() *Common {
	return c
}

// Object is the tagged union of the five drawable primitives.
type Object interface {
	ObjectID() string
	ObjectKind() Kind
	Base() *Common
}

// Rect is an axis-aligned rectangle anchored at its top-left corner.
type Rect struct {
	Common
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Ellipse is centred on X/Y with radii RX/RY.
type Ellipse struct {
	Common
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	RX float64 `json:"rx"`
	RY float64 `json:"ry"`
}

// Text is a label; Metadata.ContainerID optionally binds it to another object.
type Text struct {
	Common
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Content    string   `json:"text"`
	FontSize   *float64 `json:"fontSize,omitempty"`
	TextAnchor string   `json:"textAnchor,omitempty"`
}

// Line is a polyline of flattened x/y pairs.
type Line struct {
	Common
	Points []float64 `json:"points"`
	Arrow  string    `json:"arrow,omitempty"`
}

// Path holds SVG path data.
type Path struct {
	Common
	D string `json:"d"`
}

// IsRect reports whether the object is a rectangle.
func IsRect(object Object) bool {
	_, ok := object.(*Rect)
	return ok
}

// IsEllipse reports whether the object is an ellipse.
func IsEllipse(object Object) bool {
	_, ok := object.(*Ellipse)
	return ok
}

// IsText reports whether the object is a text label.
func IsText(object Object) bool {
	_, ok := object.(*Text)
	return ok
}

// IsLine reports whether the object is a line.
func IsLine(object Object) bool {
	_, ok := object.(*Line)
	return ok
}

// IsPath reports whether the object is a path.
func IsPath(object Object) bool {
	_, ok := object.(*Path)
	return ok
}

// Fields is an object payload as received on the wire, keyed by JSON field name.
type Fields map[string]json.RawMessage

// ParseFields decodes a JSON object into Fields.
func ParseFields(data []byte) (Fields, error) {
	var fields Fields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidObject)
	}
	return fields, nil
}

// String returns a non-empty string field.
func (f Fields) String(key string) (string, bool) {
	raw, ok := f[key]
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// Has reports whether the key is present.
func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}

func newObject(kind Kind) (Object, error) {
	switch kind {
	case KindRect:
		return &Rect{}, nil
	case KindEllipse:
		return &Ellipse{}, nil
	case KindText:
		return &Text{}, nil
	case KindLine:
		return &Line{}, nil
	case KindPath:
		return &Path{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// DecodeObject turns wire fields into exactly one typed primitive.
// Unknown fields outside metadata are rejected rather than dropped.
func DecodeObject(fields Fields) (Object, error) {
	rawKind, ok := fields.String(fieldKind)
	if !ok {
		return nil, fmt.Errorf("%w: missing kind", ErrInvalidObject)
	}
	object, err := newObject(Kind(rawKind))
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(normalizeFields(fields))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(object); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	if strings.TrimSpace(object.ObjectID()) == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidObject)
	}
	return object, nil
}

// EncodeObject renders a primitive as JSON.
func EncodeObject(object Object) ([]byte, error) {
	return json.Marshal(object)
}

// ApplyDiff overlays a partial object onto an existing one and re-decodes the result.
// Metadata keys merge individually; a null value removes the key.
func ApplyDiff(object Object, diff Fields) (Object, error) {
	encoded, err := EncodeObject(object)
	if err != nil {
		return nil, err
	}
	merged, err := ParseFields(encoded)
	if err != nil {
		return nil, err
	}
	for key, value := range diff {
		if key == fieldMetadata {
			metadata, err := mergeMetadata(merged[fieldMetadata], value)
			if err != nil {
				return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidObject, err)
			}
			merged[fieldMetadata] = metadata
			continue
		}
		if isJSONNull(value) || (isColorField(key) && !isJSONString(value)) {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}
	return DecodeObject(merged)
}

// normalizeFields returns a copy with the id trimmed and non-string colors dropped,
// so a malformed color falls back to the renderer default instead of failing the decode.
func normalizeFields(fields Fields) Fields {
	normalized := make(Fields, len(fields))
	for key, value := range fields {
		if isColorField(key) && !isJSONNull(value) && !isJSONString(value) {
			continue
		}
		normalized[key] = value
	}
	if id, ok := fields.String(fieldID); ok {
		if encoded, err := json.Marshal(id); err == nil {
			normalized[fieldID] = encoded
		}
	}
	return normalized
}

func isColorField(key string) bool {
	return key == fieldFill || key == fieldStroke
}

func isJSONString(raw json.RawMessage) bool {
	var value string
	return json.Unmarshal(raw, &value) == nil
}

func mergeMetadata(current, overlay json.RawMessage) (json.RawMessage, error) {
	base := map[string]json.RawMessage{}
	if len(current) > 0 && !isJSONNull(current) {
		if err := json.Unmarshal(current, &base); err != nil {
			return nil, err
		}
	}
	if isJSONNull(overlay) {
		return json.Marshal(base)
	}
	var changes map[string]json.RawMessage
	if err := json.Unmarshal(overlay, &changes); err != nil {
		return nil, err
	}
	for key, value := range changes {
		if isJSONNull(value) {
			delete(base, key)
			continue
		}
		base[key] = value
	}
	return json.Marshal(base)
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// normalizeObject fills in the reserved group key so every stored object belongs to a group.
func normalizeObject(object Object) {
	base := object.Base()
	if strings.TrimSpace(base.Metadata.GroupID) == "" {
		base.Metadata.GroupID = base.ID
	}
}
