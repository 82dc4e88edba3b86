package embedder

// ONNXConfig configures the local ONNX embedder. The backend is only
// available when built with the onnx tag.
type ONNXConfig struct {
	// ModelPath is the all-MiniLM-L6-v2 model file.
	ModelPath string

	// TokenizerPath is the matching tokenizer.json.
	TokenizerPath string

	// SharedLibraryPath locates libonnxruntime; empty uses the
	// onnxruntime default lookup.
	SharedLibraryPath string

	// Dimensions defaults to 384.
	Dimensions int

	// ModelName keys vector collections; defaults to all-MiniLM-L6-v2.
	ModelName string
}
