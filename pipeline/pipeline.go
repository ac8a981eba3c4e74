// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package pipeline orchestrates the rewrite-then-emit cycle: a shader
// container is lifted, every registered pass
// rewrites the lifted program in turn, the program is lowered back to
// bytecode, and the result is re-lifted and structurally compared
// against what was just rewritten before it is trusted. Any failure
// along the way — a lift error, a pass error, a lowering error, or a
// validation-mirror mismatch — falls back to the original, unmodified
// container bytes.
package pipeline

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"gpuval/container"
	"gpuval/frontend"
	"gpuval/il"
	"gpuval/pass"
)

// Run applies passes, in order, to prog, invalidating every function's
// cached analyses after each pass so a later pass never observes a
// dominator tree or loop set computed over instructions an earlier
// pass already rewrote.
func Run(prog *il.Program, passes []pass.Pass) (*il.Program, error) {
	for _, p := range passes {
		if err := p.RegisterRewrite(prog); err != nil {
			return nil, fmt.Errorf("pipeline: pass %q: %w", p.Name(), err)
		}
		for _, fn := range prog.Functions {
			fn.InvalidateAnalyses()
		}
		if err := prog.Verify(); err != nil {
			return nil, fmt.Errorf("pipeline: pass %q left an invalid program: %w", p.Name(), err)
		}
	}
	return prog, nil
}

// countInstructions totals every block's instruction count across a
// program's functions, used by the validation mirror as a cheap
// structural fingerprint: a lowering bug that drops or duplicates an
// instruction changes this total even when every opcode involved is
// otherwise well-formed.
func countInstructions(prog *il.Program) (functions, blocks, insts int) {
	functions = len(prog.Functions)
	for _, fn := range prog.Functions {
		blocks += len(fn.Blocks)
		for _, b := range fn.Blocks {
			insts += len(b.Insts)
		}
	}
	return
}

// verifyMirror re-lifts lowered and compares its shape against prog,
// the program that was actually lowered. bitstream.Write already re-scans and structurally
// compares its own output at the wire level; this is the IL-level
// half of the same idea, catching a lowering bug that happens to
// produce a byte-valid but semantically wrong stream (e.g. an operand
// resolved against the wrong value index).
func verifyMirror(prog *il.Program, lowered []byte) error {
	mod, err := frontend.LiftBitstream(lowered)
	if err != nil {
		return fmt.Errorf("re-lift failed: %w", err)
	}
	wantFn, wantBlk, wantInst := countInstructions(prog)
	gotFn, gotBlk, gotInst := countInstructions(mod.Program)
	if wantFn != gotFn || wantBlk != gotBlk || wantInst != gotInst {
		return fmt.Errorf("shape mismatch: want (%d fn, %d blk, %d inst), got (%d, %d, %d)",
			wantFn, wantBlk, wantInst, gotFn, gotBlk, gotInst)
	}
	return nil
}

// Emit rewrites mod's program with passes and lowers the result back
// into bytes for the TagBitstream chunk, falling back to mod's
// original bytes on any failure in the rewrite, lowering or
// validation-mirror steps. The returned bool reports
// whether the instrumented bytes were used (false means passthrough).
func Emit(mod *frontend.Module, original []byte, passes []pass.Pass) ([]byte, bool) {
	if _, err := Run(mod.Program, passes); err != nil {
		log.Printf("pipeline: rewrite failed, falling back to passthrough: %v", err)
		return original, false
	}
	lowered, err := frontend.CompileBitstream(mod)
	if err != nil {
		log.Printf("pipeline: lowering failed, falling back to passthrough: %v", err)
		return original, false
	}
	if err := verifyMirror(mod.Program, lowered); err != nil {
		log.Printf("pipeline: validation mirror mismatch, falling back to passthrough: %v", err)
		return original, false
	}
	return lowered, true
}

// Instrument runs the whole container-level cycle: parse, find the
// TagBitstream chunk, lift it, rewrite and re-lower through Emit,
// splice the result back into the chunk list (every other chunk
// byte-identical), and recompile. A failure at any stage other than
// Emit's own internal fallback — a malformed container, a missing or
// unparseable bitstream chunk — passes the original bytes through
// untouched, exactly as Emit does for rewrite/lowering failures,
// because both are "the compiler could not trust its own output"
// cases, treated identically.
func Instrument(data []byte, passes []pass.Pass) []byte {
	c, err := container.Parse(data)
	if err != nil {
		log.Printf("pipeline: parse failed, passing shader through uninstrumented: %v", err)
		return data
	}
	chunkIdx := -1
	for i, ch := range c.ChunkList {
		if ch.Tag == container.TagBitstream {
			chunkIdx = i
			break
		}
	}
	if chunkIdx < 0 {
		log.Printf("pipeline: no bitstream chunk, passing shader through uninstrumented")
		return data
	}
	original := c.ChunkList[chunkIdx].Body

	mod, err := frontend.LiftBitstream(original)
	if err != nil {
		log.Printf("pipeline: lift failed, passing shader through uninstrumented: %v", err)
		return data
	}

	newBody, ok := Emit(mod, original, passes)
	if !ok {
		return data
	}
	c.ChunkList[chunkIdx].Body = newBody

	out, err := container.Compile(c)
	if err != nil {
		log.Printf("pipeline: recompile failed, passing shader through uninstrumented: %v", err)
		return data
	}
	return out
}

// Job is one shader container and the passes to instrument it with,
// submitted to a worker pool.
type Job struct {
	Data   []byte
	Passes []pass.Pass
}

// RunWorkerPool instruments every job, bounding concurrency to workers
// (0 means synchronous: every job runs on the calling goroutine).
// ctx cancellation stops launching new jobs; already-running jobs
// still complete so their results are never left half-written. Uses
// errgroup.Group the same way package report's decoder does, so the
// two concurrent call sites in this module share one concurrency
// idiom.
func RunWorkerPool(ctx context.Context, workers int, jobs []Job) ([][]byte, error) {
	results := make([][]byte, len(jobs))
	if workers <= 0 {
		for i, j := range jobs {
			results[i] = Instrument(j.Data, j.Passes)
		}
		return results, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			results[i] = Instrument(j.Data, j.Passes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline: worker pool: %w", err)
	}
	return results, nil
}
