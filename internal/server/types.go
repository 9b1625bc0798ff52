package server

import "github.com/attestlabs/voicegate/internal/monitor"

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type verifyResponse struct {
	Success       bool    `json:"success"`
	Score         float64 `json:"score"`
	IsSameSpeaker bool    `json:"is_same_speaker"`
	Threshold     float64 `json:"threshold"`
	Confidence    string  `json:"confidence"`
}

type verifyJSONRequest struct {
	Audio1URL  string   `json:"audio1_url"`
	Audio2URL  string   `json:"audio2_url"`
	Audio1Path string   `json:"audio1_path"`
	Audio2Path string   `json:"audio2_path"`
	Threshold  *float64 `json:"threshold"`
}

type batchCandidate struct {
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

type batchRequest struct {
	Reference  batchCandidate   `json:"reference"`
	Candidates []batchCandidate `json:"candidates"`
	Threshold  *float64         `json:"threshold"`
}

type batchItemResponse struct {
	Candidate string          `json:"candidate"`
	Result    *verifyResponse `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type batchResponse struct {
	Success      bool                `json:"success"`
	Reference    string              `json:"reference"`
	Total        int                 `json:"total"`
	SuccessCount int                 `json:"success_count"`
	ErrorCount   int                 `json:"error_count"`
	Results      []batchItemResponse `json:"results"`
}

type extractJSONRequest struct {
	AudioURL  string `json:"audio_url"`
	AudioPath string `json:"audio_path"`
}

type extractResponse struct {
	Success   bool      `json:"success"`
	Embedding []float32 `json:"embedding"`
	Dimension int       `json:"dimension"`
	Duration  float64   `json:"duration_seconds"`
}

type compareRequest struct {
	Embedding1 []float32 `json:"embedding1"`
	Embedding2 []float32 `json:"embedding2"`
	Threshold  *float64  `json:"threshold"`
}

type compareResponse struct {
	Success       bool    `json:"success"`
	Similarity    float64 `json:"similarity"`
	IsSameSpeaker bool    `json:"is_same_speaker"`
	Threshold     float64 `json:"threshold"`
	Confidence    string  `json:"confidence"`
}

type healthResponse struct {
	Status      string        `json:"status"`
	ModelLoaded bool          `json:"model_loaded"`
	ModelState  string        `json:"model_state"`
	Device      string        `json:"device"`
	Uptime      float64       `json:"uptime_seconds"`
	Statistics  monitor.Stats `json:"statistics"`
}

type configResponse struct {
	Success bool `json:"success"`
	Config  any  `json:"config"`
}

type modelsResponse struct {
	Success         bool     `json:"success"`
	CurrentModel    string   `json:"current_model"`
	State           string   `json:"state"`
	Dimension       int      `json:"dimension"`
	AvailableModels []string `json:"available_models"`
}

type bannerResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}
