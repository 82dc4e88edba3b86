//go:build !onnx

package embedder

import "fmt"

// NewONNX is unavailable without the onnx build tag.
func NewONNX(ONNXConfig) (Embedder, error) {
	return nil, fmt.Errorf("onnx embedder requires a binary built with the onnx tag")
}
