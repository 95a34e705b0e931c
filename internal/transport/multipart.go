package transport

import (
	"fmt"
	"io"
	"mime/multipart"
	"strings"
)

// Multipart field names. The image may arrive as "file" or "image".
const (
	FieldFile    = "file"
	FieldImage   = "image"
	FieldPoints  = "points"
	FieldMinArea = "min_area"
)

// DecodeMultipart reads the image file, the points JSON field and an optional min_area field.
func DecodeMultipart(form *multipart.Form, defaultMinArea int) (*Request, string, error) {
	if form == nil {
		return nil, "", invalid("multipart form is empty")
	}

	var header *multipart.FileHeader
	for _, field := range []string{FieldFile, FieldImage} {
		if files := form.File[field]; len(files) > 0 {
			header = files[0]
			break
		}
	}
	if header == nil {
		return nil, "", invalid("image file is required")
	}

	if ct := header.Header.Get("Content-Type"); ct != "" && !acceptedImageType(ct) {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedMediaType, ct)
	}

	src, err := header.Open()
	if err != nil {
		return nil, "", invalid("unable to open image: %v", err)
	}
	defer src.Close()
	image, err := io.ReadAll(src)
	if err != nil {
		return nil, "", invalid("failed to read image: %v", err)
	}

	values := form.Value[FieldPoints]
	if len(values) == 0 {
		return nil, "", invalid("points are required")
	}
	points, envMinArea, err := ParsePoints([]byte(values[0]))
	if err != nil {
		return nil, "", err
	}

	minArea := defaultMinArea
	if envMinArea != nil {
		if minArea, err = checkMinArea(*envMinArea); err != nil {
			return nil, "", err
		}
	}
	if raw := form.Value[FieldMinArea]; len(raw) > 0 {
		if minArea, err = ParseMinArea(raw[0], minArea); err != nil {
			return nil, "", err
		}
	}

	return &Request{Image: image, Points: points, MinArea: minArea}, header.Filename, nil
}

func acceptedImageType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "application/octet-stream")
}
