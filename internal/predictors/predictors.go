// Package predictors manages the set of black-box throughput predictors and
// fans batches of basic blocks out to them on a worker pool.
package predictors

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"anica/internal/isa"
)

var log = commonlog.GetLogger("anica.predictors")

// ErrUnknownPredictor indicates a predictor key or pattern that matches no
// registry entry.
var ErrUnknownPredictor = errors.New("predictors: unknown predictor key")

// Result is one predictor's verdict on one block: a cycles-per-iteration
// estimate, or an in-band error. A nil TP means the predictor failed; the
// interestingness metric treats that as maximally interesting.
type Result struct {
	TP    *float64
	Error string
}

// Errored reports whether the result carries no usable throughput.
func (r Result) Errored() bool {
	return r.TP == nil || *r.TP <= 0
}

func goodResult(tp float64) Result {
	return Result{TP: &tp}
}

func errorResult(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// BlockEval maps predictor keys to their results for one block.
type BlockEval map[string]Result

// BlockPayload is the minimal data a predictor needs: the assembly text and a
// handle to the encoder. Encoding to the byte-level form is deferred to the
// worker that first asks for it, so the expensive part runs on the pool.
type BlockPayload struct {
	Asm   string
	coder isa.Encoder
	block *isa.BasicBlock

	encode sync.Once
	hex    string
	hexErr error
}

func NewBlockPayload(bb *isa.BasicBlock, coder isa.Encoder) *BlockPayload {
	return &BlockPayload{Asm: bb.Asm(), coder: coder, block: bb}
}

// Hex returns the encoded form of the block. Encoding happens once, on the
// first worker that asks for it.
func (p *BlockPayload) Hex() (string, error) {
	p.encode.Do(func() {
		p.hex, p.hexErr = p.coder.EncodeBlock(p.block)
	})
	return p.hex, p.hexErr
}

// Predictor estimates the steady-state inverse throughput of a basic block.
type Predictor interface {
	Evaluate(ctx context.Context, payload *BlockPayload) Result
	// NeedsToRunAlone marks predictors that measure and must not share the
	// machine with parallel work.
	NeedsToRunAlone() bool
}

// InsnCountPredictor returns the instruction count. It is the baseline
// reference predictor for tests and predictor checks.
type InsnCountPredictor struct{}

func (InsnCountPredictor) NeedsToRunAlone() bool { return false }

func (InsnCountPredictor) Evaluate(_ context.Context, payload *BlockPayload) Result {
	return goodResult(float64(countInsns(payload.Asm)))
}

// MnemonicPenaltyPredictor returns the instruction count plus a fixed penalty
// per occurrence of one mnemonic. Together with InsnCountPredictor it
// produces controlled inconsistencies.
type MnemonicPenaltyPredictor struct {
	Mnemonic string
	Penalty  float64
}

func (MnemonicPenaltyPredictor) NeedsToRunAlone() bool { return false }

func (p MnemonicPenaltyPredictor) Evaluate(_ context.Context, payload *BlockPayload) Result {
	tp := 0.0
	for _, line := range asmLines(payload.Asm) {
		tp += 1.0
		fields := strings.Fields(line)
		for _, f := range fields {
			if strings.TrimSuffix(f, ",") == p.Mnemonic {
				tp += p.Penalty
				break
			}
		}
	}
	return goodResult(tp)
}

// ErrorPredictor always fails. Useful for exercising the error paths.
type ErrorPredictor struct{}

func (ErrorPredictor) NeedsToRunAlone() bool { return false }

func (ErrorPredictor) Evaluate(context.Context, *BlockPayload) Result {
	return errorResult("predictor intentionally failed")
}

// CommandPredictor shells out to an external tool: the block's encoded hex is
// passed as the final argument, and the tool's stdout must contain the
// predicted throughput as a float on the last non-empty line.
type CommandPredictor struct {
	Command  []string
	Timeout  time.Duration
	RunAlone bool
}

func (p CommandPredictor) NeedsToRunAlone() bool { return p.RunAlone }

func (p CommandPredictor) Evaluate(ctx context.Context, payload *BlockPayload) Result {
	hex, err := payload.Hex()
	if err != nil {
		return errorResult("encoding failed: %v", err)
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	args := append(append([]string{}, p.Command[1:]...), hex)
	cmd := exec.CommandContext(ctx, p.Command[0], args...)
	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{Error: "timeout"}
	}
	if err != nil {
		return errorResult("predictor command failed: %v", err)
	}
	tp, err := parseLastFloat(string(out))
	if err != nil {
		return errorResult("unparsable predictor output: %v", err)
	}
	return goodResult(tp)
}

func parseLastFloat(out string) (float64, error) {
	lines := asmLines(out)
	if len(lines) == 0 {
		return 0, errors.New("empty output")
	}
	return strconv.ParseFloat(strings.TrimSpace(lines[len(lines)-1]), 64)
}

func asmLines(s string) []string {
	var res []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			res = append(res, line)
		}
	}
	return res
}

func countInsns(asm string) int {
	return len(asmLines(asm))
}
