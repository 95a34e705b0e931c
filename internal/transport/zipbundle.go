package transport

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
)

// Entry names of the zip bundle format.
const (
	ZipImageEntry  = "image.bin"
	ZipPointsEntry = "points.json"
	ZipResultEntry = "result_image.bin"
	ZipMaskEntry   = "mask_image.bin"
)

// ContentTypeZip is the MIME type of zip bundles.
const ContentTypeZip = "application/zip"

// maxZipEntrySize bounds decompressed entries.
const maxZipEntrySize = 64 << 20

// DecodeZipBundle reads image.bin and points.json from a zip archive.
func DecodeZipBundle(data []byte, defaultMinArea int) (*Request, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, invalid("zip bundle: %v", err)
	}

	var image, points []byte
	for _, f := range zr.File {
		switch f.Name {
		case ZipImageEntry:
			image, err = readZipEntry(f)
		case ZipPointsEntry:
			points, err = readZipEntry(f)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	if image == nil {
		return nil, invalid("%s not found in zip bundle", ZipImageEntry)
	}
	if points == nil {
		return nil, invalid("%s not found in zip bundle", ZipPointsEntry)
	}

	parsed, minArea, err := ParsePoints(points)
	if err != nil {
		return nil, err
	}
	req := &Request{Image: image, Points: parsed, MinArea: defaultMinArea}
	if minArea != nil {
		if req.MinArea, err = checkMinArea(*minArea); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, invalid("open %s: %v", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxZipEntrySize+1))
	if err != nil {
		return nil, invalid("read %s: %v", f.Name, err)
	}
	if len(data) > maxZipEntrySize {
		return nil, invalid("%s exceeds %d bytes", f.Name, maxZipEntrySize)
	}
	return data, nil
}

// EncodeZipBundle writes result_image.bin and mask_image.bin into a zip archive.
func EncodeZipBundle(resp *Response) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{ZipResultEntry, resp.ResultImage},
		{ZipMaskEntry, resp.MaskImage},
	} {
		w, err := zw.Create(entry.name)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", entry.name, err)
		}
		if _, err := w.Write(entry.data); err != nil {
			return nil, fmt.Errorf("write %s: %w", entry.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	return buf.Bytes(), nil
}
