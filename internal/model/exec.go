package model

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-shellwords"

	"github.com/attestlabs/voicegate/internal/audio"
	"github.com/attestlabs/voicegate/internal/config"
	"github.com/attestlabs/voicegate/internal/fault"
)

// ExecProvider shells out to an external embedding command for each
// inference. The command receives the staged WAV path plus model and
// device flags, and prints a JSON embedding on stdout. Invocations are
// serialized: the subprocess owns whatever accelerator the model sits
// on.
type ExecProvider struct {
	cmd       []string
	modelPath string
	device    string
	dimension atomic.Int64
	log       *slog.Logger
	mu        sync.Mutex
}

type execEmbedding struct {
	Embedding []float32 `json:"embedding"`
	Dimension int       `json:"dimension"`
}

func NewExecProvider(cfg config.ModelConfig, modelPath, device string, log *slog.Logger) (*ExecProvider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "parse model command")
	}
	if len(args) == 0 {
		return nil, fault.New(fault.KindValidation, "model command is empty")
	}
	return &ExecProvider{
		cmd:       args,
		modelPath: modelPath,
		device:    device,
		log:       log.With("component", "model.exec"),
	}, nil
}

func (p *ExecProvider) Embed(ctx context.Context, sample audio.Normalized) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wavPath, err := writeTempWAV(sample)
	if err != nil {
		return nil, err
	}
	defer os.Remove(wavPath)

	args := append([]string{}, p.cmd...)
	base := args[0]
	cmdArgs := args[1:]
	cmdArgs = append(cmdArgs, "--audio", wavPath)
	if p.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", p.modelPath)
	}
	if p.device != "" {
		cmdArgs = append(cmdArgs, "--device", p.device)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fault.Wrap(fault.KindModelInference, err, "embedding command failed: %s", stderr.String())
	}

	var resp execEmbedding
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fault.Wrap(fault.KindModelInference, err, "decode embedding response")
	}
	if len(resp.Embedding) == 0 {
		return nil, fault.New(fault.KindModelInference, "embedding command returned an empty vector")
	}
	p.dimension.Store(int64(len(resp.Embedding)))
	return resp.Embedding, nil
}

func (p *ExecProvider) Dimension() int { return int(p.dimension.Load()) }

func (p *ExecProvider) Close() error { return nil }
