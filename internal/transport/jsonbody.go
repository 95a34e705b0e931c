package transport

import (
	"encoding/base64"
	"encoding/json"
)

// JSONRequest is the body of an application/json selection request.
type JSONRequest struct {
	ImageBase64 string          `json:"image_base64"`
	Points      json.RawMessage `json:"points"`
	MinArea     *int            `json:"min_area,omitempty"`
}

// JSONResponse is returned for JSON and multipart requests.
type JSONResponse struct {
	RequestID         string `json:"request_id"`
	ResultImageBase64 string `json:"result_image_base64"`
	MaskImageBase64   string `json:"mask_image_base64"`
	ResultURL         string `json:"result_url,omitempty"`
	MaskURL           string `json:"mask_url,omitempty"`
}

// DecodeJSON parses a JSON request body.
func DecodeJSON(data []byte, defaultMinArea int) (*Request, error) {
	var body JSONRequest
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, invalid("json body: %v", err)
	}
	if body.ImageBase64 == "" || len(body.Points) == 0 {
		return nil, invalid("missing required fields: 'image_base64' and 'points'")
	}
	image, err := base64.StdEncoding.DecodeString(body.ImageBase64)
	if err != nil {
		return nil, invalid("image_base64: %v", err)
	}
	points, _, err := ParsePoints(body.Points)
	if err != nil {
		return nil, err
	}

	req := &Request{Image: image, Points: points, MinArea: defaultMinArea}
	if body.MinArea != nil {
		if req.MinArea, err = checkMinArea(*body.MinArea); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// NewJSONResponse base64-encodes both images.
func NewJSONResponse(resp *Response) JSONResponse {
	return JSONResponse{
		RequestID:         resp.RequestID,
		ResultImageBase64: base64.StdEncoding.EncodeToString(resp.ResultImage),
		MaskImageBase64:   base64.StdEncoding.EncodeToString(resp.MaskImage),
		ResultURL:         resp.ResultURL,
		MaskURL:           resp.MaskURL,
	}
}
