package models

// Files a model directory must hold before it can be loaded.
const (
	ConfigFile    = "config.json"
	TokenizerFile = "tokenizer.json"
)

// WeightFiles lists the supported weight files in order of preference.
var WeightFiles = []string{"onnx/model.onnx", "model.onnx"}
