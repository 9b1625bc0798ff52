package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/attestlabs/voicegate/internal/audio"
	"github.com/attestlabs/voicegate/internal/config"
	"github.com/attestlabs/voicegate/internal/fault"
	"github.com/attestlabs/voicegate/internal/model"
	"github.com/attestlabs/voicegate/internal/protocol"
	"github.com/attestlabs/voicegate/internal/verify"
)

// knownModels is the catalog surfaced by GET /models. The gateway does
// not fetch these; the backend decides what a model identifier means.
var knownModels = []string{
	"speechbrain/spkrec-ecapa-voxceleb",
	"speechbrain/spkrec-xvect-voxceleb",
	"speechbrain/spkrec-resnet-voxceleb",
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, bannerResponse{
		Service: s.cfg.ServiceName,
		Version: Version,
		Endpoints: map[string]string{
			"GET /health":              "service and model status",
			"POST /verify":             "verify two utterances against each other",
			"POST /verify_batch":       "verify one reference against many candidates",
			"POST /extract_embedding":  "extract a speaker embedding",
			"POST /compare_embeddings": "compare two caller-supplied embeddings",
			"GET /config":              "read runtime settings",
			"POST /config":             "update runtime settings",
			"GET /models":              "current model and known identifiers",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state, _, _ := s.lifecycle.Status()
	settings := s.settings.Get()
	s.respondJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		ModelLoaded: state == model.StateReady,
		ModelState:  state.String(),
		Device:      settings.Device,
		Uptime:      time.Since(s.started).Seconds(),
		Statistics:  s.monitor.Stats(),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var in1, in2 audio.Input
	var threshold *float64
	var err error

	if isMultipart(r) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			s.respondError(w, fault.Wrap(fault.KindInvalidInput, err, "parse multipart form"))
			return
		}
		if in1, err = s.inputFromForm(r, "audio1"); err != nil {
			s.respondError(w, err)
			return
		}
		if in2, err = s.inputFromForm(r, "audio2"); err != nil {
			s.respondError(w, err)
			return
		}
		if threshold, err = parseThresholdField(r.FormValue("threshold")); err != nil {
			s.respondError(w, err)
			return
		}
		s.runVerify(w, r, in1, in2, threshold)
		return
	}

	var req verifyJSONRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	in1, err = inputFromFields(req.Audio1URL, req.Audio1Path, "audio1")
	if err != nil {
		s.respondError(w, err)
		return
	}
	in2, err = inputFromFields(req.Audio2URL, req.Audio2Path, "audio2")
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := validateThreshold(req.Threshold); err != nil {
		s.respondError(w, err)
		return
	}
	s.runVerify(w, r, in1, in2, req.Threshold)
}

func (s *Server) runVerify(w http.ResponseWriter, r *http.Request, in1, in2 audio.Input, threshold *float64) {
	result, err := s.engine.Verify(r.Context(), in1, in2, threshold)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.publishResult(r.URL.Path, result)
	s.respondJSON(w, http.StatusOK, verifyResponse{
		Success:       true,
		Score:         result.Score,
		IsSameSpeaker: result.Verified,
		Threshold:     result.Threshold,
		Confidence:    result.Confidence,
	})
}

func (s *Server) handleVerifyBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	reference, err := inputFromCandidate(req.Reference, "reference")
	if err != nil {
		s.respondError(w, err)
		return
	}
	if len(req.Candidates) == 0 {
		s.respondError(w, fault.New(fault.KindInvalidInput, "candidates must not be empty"))
		return
	}
	candidates := make([]audio.Input, len(req.Candidates))
	for i, c := range req.Candidates {
		candidates[i], err = inputFromCandidate(c, fmt.Sprintf("candidate %d", i))
		if err != nil {
			s.respondError(w, err)
			return
		}
	}
	if err := validateThreshold(req.Threshold); err != nil {
		s.respondError(w, err)
		return
	}

	outcome, err := s.engine.VerifyBatch(r.Context(), reference, candidates, req.Threshold)
	if err != nil {
		s.respondError(w, err)
		return
	}

	resp := batchResponse{
		Success:      true,
		Reference:    reference.Source(),
		Total:        outcome.Total,
		SuccessCount: outcome.SuccessCount,
		ErrorCount:   outcome.ErrorCount,
		Results:      make([]batchItemResponse, len(outcome.Items)),
	}
	for i, item := range outcome.Items {
		entry := batchItemResponse{Candidate: candidates[i].Source(), Error: item.Error}
		if item.Result != nil {
			entry.Result = &verifyResponse{
				Success:       true,
				Score:         item.Result.Score,
				IsSameSpeaker: item.Result.Verified,
				Threshold:     item.Result.Threshold,
				Confidence:    item.Result.Confidence,
			}
			s.publishResult(r.URL.Path, *item.Result)
		}
		resp.Results[i] = entry
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExtractEmbedding(w http.ResponseWriter, r *http.Request) {
	var in audio.Input
	var err error

	if isMultipart(r) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			s.respondError(w, fault.Wrap(fault.KindInvalidInput, err, "parse multipart form"))
			return
		}
		in, err = s.inputFromForm(r, "audio")
	} else {
		var req extractJSONRequest
		if err := decodeJSON(r, &req); err != nil {
			s.respondError(w, err)
			return
		}
		in, err = inputFromFields(req.AudioURL, req.AudioPath, "audio")
	}
	if err != nil {
		s.respondError(w, err)
		return
	}

	emb, err := s.engine.Extract(r.Context(), in)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, extractResponse{
		Success:   true,
		Embedding: emb.Vector,
		Dimension: emb.Dimension,
		Duration:  emb.Duration,
	})
}

func (s *Server) handleCompareEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := validateThreshold(req.Threshold); err != nil {
		s.respondError(w, err)
		return
	}
	result, err := s.engine.Compare(req.Embedding1, req.Embedding2, req.Threshold)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, compareResponse{
		Success:       true,
		Similarity:    result.Score,
		IsSameSpeaker: result.Verified,
		Threshold:     result.Threshold,
		Confidence:    result.Confidence,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, configResponse{Success: true, Config: s.settings.Get()})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.Patch
	if err := decodeJSON(r, &patch); err != nil {
		s.respondError(w, err)
		return
	}

	before := s.settings.Get()
	updated, err := s.settings.Update(patch)
	if err != nil {
		s.respondError(w, err)
		return
	}

	// A new model path or device only matters to the next load.
	if updated.ModelPath != before.ModelPath || updated.Device != before.Device {
		s.log.Info("model settings changed, scheduling reload",
			"model_path", updated.ModelPath, "device", updated.Device)
		s.lifecycle.Reset()
	}
	s.respondJSON(w, http.StatusOK, configResponse{Success: true, Config: updated})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	state, dim, _ := s.lifecycle.Status()
	settings := s.settings.Get()
	current := settings.ModelPath
	if current == "" {
		current = knownModels[0]
	}
	s.respondJSON(w, http.StatusOK, modelsResponse{
		Success:         true,
		CurrentModel:    current,
		State:           state.String(),
		Dimension:       dim,
		AvailableModels: knownModels,
	})
}

func (s *Server) publishResult(endpoint string, result verify.Result) {
	if s.events == nil {
		return
	}
	s.events.PublishVerification(protocol.VerificationEvent{
		RequestID:  uuid.NewString(),
		Endpoint:   endpoint,
		Verified:   result.Verified,
		Score:      result.Score,
		Threshold:  result.Threshold,
		Confidence: result.Confidence,
		OccurredAt: time.Now().UTC(),
	})
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

func decodeJSON(r *http.Request, target any) error {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fault.Wrap(fault.KindInvalidInput, err, "decode request body")
	}
	return nil
}

// inputFromForm builds an upload input from a multipart file field,
// falling back to <field>_url and <field>_path form values.
func (s *Server) inputFromForm(r *http.Request, field string) (audio.Input, error) {
	file, header, err := r.FormFile(field)
	if err == nil {
		// The handler scope outlives the engine call, so the multipart
		// file can be streamed directly.
		return audio.FromUpload(header.Filename, file), nil
	}
	if err != http.ErrMissingFile {
		return audio.Input{}, fault.Wrap(fault.KindInvalidInput, err, "read %s upload", field)
	}
	return inputFromFields(r.FormValue(field+"_url"), r.FormValue(field+"_path"), field)
}

func inputFromFields(url, path, field string) (audio.Input, error) {
	switch {
	case url != "" && path != "":
		return audio.Input{}, fault.New(fault.KindInvalidInput, "%s: provide either a URL or a path, not both", field)
	case url != "":
		return audio.FromURL(url), nil
	case path != "":
		return audio.FromPath(path), nil
	default:
		return audio.Input{}, fault.New(fault.KindInvalidInput, "%s is required", field)
	}
}

func inputFromCandidate(c batchCandidate, label string) (audio.Input, error) {
	return inputFromFields(c.URL, c.Path, label)
}

func parseThresholdField(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "parse threshold")
	}
	if err := validateThreshold(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

func validateThreshold(t *float64) error {
	if t != nil && (*t < 0 || *t > 1) {
		return fault.New(fault.KindValidation, "threshold must be within [0,1]")
	}
	return nil
}
