// Package transport translates wire formats to and from a selection request.
// Each format is a thin adapter; none of them know how selection works.
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/segmask/internal/segmentation"
)

// Request is the format-independent form of an incoming selection request.
type Request struct {
	Image   []byte
	Points  []segmentation.Point
	MinArea int
}

// Response is the format-independent form of a finished selection.
type Response struct {
	RequestID   string
	ResultImage []byte
	MaskImage   []byte
	ResultURL   string
	MaskURL     string
}

var (
	// ErrInvalidRequest marks malformed client input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnsupportedMediaType marks a body or upload of a type no adapter accepts.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

type pointsEnvelope struct {
	Points  json.RawMessage `json:"points"`
	MinArea *int            `json:"min_area"`
}

// ParsePoints accepts `[{"x":1,"y":2}]`, `[[1,2]]` or `{"points":[...]}`.
// Keys are matched case-insensitively. The envelope form may carry min_area,
// which is returned when present.
func ParsePoints(data []byte) ([]segmentation.Point, *int, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil, invalid("points are required")
	}

	var minArea *int
	if data[0] == '{' {
		var env pointsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, nil, invalid("points: %v", err)
		}
		if len(env.Points) == 0 {
			return nil, nil, invalid("points are required")
		}
		data = bytes.TrimSpace(env.Points)
		minArea = env.MinArea
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, invalid("points must be a JSON array: %v", err)
	}

	points := make([]segmentation.Point, 0, len(raw))
	for i, item := range raw {
		p, err := parsePoint(item)
		if err != nil {
			return nil, nil, invalid("point %d: %v", i, err)
		}
		points = append(points, p)
	}
	return points, minArea, nil
}

func parsePoint(item json.RawMessage) (segmentation.Point, error) {
	item = bytes.TrimSpace(item)
	var p segmentation.Point
	if len(item) > 0 && item[0] == '[' {
		var pair []float64
		if err := json.Unmarshal(item, &pair); err != nil {
			return p, err
		}
		if len(pair) != 2 {
			return p, fmt.Errorf("expected [x, y], got %d values", len(pair))
		}
		p = segmentation.Point{X: pair[0], Y: pair[1]}
	} else {
		var obj struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return p, err
		}
		if obj.X == nil || obj.Y == nil {
			return p, errors.New("x and y are required")
		}
		p = segmentation.Point{X: *obj.X, Y: *obj.Y}
	}
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
		return p, errors.New("coordinates must be finite")
	}
	return p, nil
}

// ParseMinArea reads an optional non-negative integer form value.
func ParseMinArea(value string, fallback int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, invalid("min_area: %v", err)
	}
	return checkMinArea(n)
}

func checkMinArea(n int) (int, error) {
	if n < 0 {
		return 0, invalid("min_area must not be negative")
	}
	return n, nil
}
