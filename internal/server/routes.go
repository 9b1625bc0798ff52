package server

import "net/http"

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("POST /verify_batch", s.handleVerifyBatch)
	mux.HandleFunc("POST /extract_embedding", s.handleExtractEmbedding)
	mux.HandleFunc("POST /compare_embeddings", s.handleCompareEmbeddings)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("POST /config", s.handleUpdateConfig)
	mux.HandleFunc("GET /models", s.handleModels)
	return mux
}
