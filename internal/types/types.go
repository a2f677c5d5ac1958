package types

// FaceResult matches the JSON structure coming back from the encoder process
type FaceResult struct {
	Loc []int     `json:"loc"` // [top, right, bottom, left]
	Vec []float64 `json:"vec"` // 128-d face encoding
}

// ErrorResult captures the error object returned by the encoder when an image cannot be decoded
type ErrorResult struct {
	Error string `json:"error"`
}
