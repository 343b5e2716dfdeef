// Package pipeline implements C5, the streaming pipeline of spec.md §4.5:
// it carries an encapsulated HTTP body from the wire through an ordered
// chain of Stage filters under a memory cap, yielding a Verdict.
//
// Grounded on the sequential middleware-chain shape of
// ppomes-TokenShield/unified-tokenizer/internal/icap/icap.go (one handler,
// one pass over the body, early return on a decision) generalized to an
// arbitrary ordered stage list per spec.md's pluggable-filter model.
package pipeline

import (
	"context"
	"errors"
	"io"

	"github.com/tokenshield/icap/internal/chunked"
	"github.com/tokenshield/icap/internal/icaperr"
	"github.com/tokenshield/icap/internal/icaptypes"
)

// ChunkFeed is the C1-backed source of body chunks the pipeline consumes.
// Next returns (frame, nil) for each available frame and (zero, io.EOF)
// once the body is exhausted (the decoder has reached Complete).
type ChunkFeed interface {
	Next(ctx context.Context) (chunked.Frame, error)
}

// Pipeline runs an ordered stage list over a transaction's headers and body.
type Pipeline struct {
	stages       []Stage
	maxBodyBytes int64
}

// New builds a Pipeline. maxBodyBytes <= 0 means spec.md's default of 1 GiB.
func New(stages []Stage, maxBodyBytes int64) *Pipeline {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 30
	}
	return &Pipeline{stages: stages, maxBodyBytes: maxBodyBytes}
}

// FilterRequestHeaders runs every stage's header hook in order, short-
// circuiting on the first Block.
func (p *Pipeline) FilterRequestHeaders(ctx context.Context, headers *icaptypes.Headers) (icaptypes.Verdict, error) {
	modified := false
	for _, s := range p.stages {
		v, err := s.FilterRequestHeaders(ctx, headers)
		if err != nil {
			return icaptypes.Verdict{}, icaperr.Wrap(icaperr.KindFilterError, err, "%s: filter_request_headers", s.Name())
		}
		if v.Kind == icaptypes.VerdictBlock {
			return v, nil
		}
		if v.Kind == icaptypes.VerdictModify && v.NewHeaders != nil {
			headers = v.NewHeaders
			modified = true
		}
	}
	if modified {
		return icaptypes.Modify(headers, nil), nil
	}
	return icaptypes.Allow(), nil
}

// FilterResponseHeaders is FilterRequestHeaders's RESPMOD counterpart.
func (p *Pipeline) FilterResponseHeaders(ctx context.Context, reqHeaders, resHeaders *icaptypes.Headers) (icaptypes.Verdict, error) {
	modified := false
	for _, s := range p.stages {
		v, err := s.FilterResponseHeaders(ctx, reqHeaders, resHeaders)
		if err != nil {
			return icaptypes.Verdict{}, icaperr.Wrap(icaperr.KindFilterError, err, "%s: filter_response_headers", s.Name())
		}
		if v.Kind == icaptypes.VerdictBlock {
			return v, nil
		}
		if v.Kind == icaptypes.VerdictModify && v.NewHeaders != nil {
			resHeaders = v.NewHeaders
			modified = true
		}
	}
	if modified {
		return icaptypes.Modify(resHeaders, nil), nil
	}
	return icaptypes.Allow(), nil
}

// ProcessPreview implements process_preview: hands the preview buffer to
// each body-wanting stage in order until one returns Block or Defer, else
// Allow. Modify is not a legal preview outcome per spec.md §4.4's state
// diagram (preview only resolves to Allow/Block/NeedMore) — a stage that
// returns Modify here is a filter bug, surfaced as FilterError.
func (p *Pipeline) ProcessPreview(ctx context.Context, previewBytes []byte) (icaptypes.Verdict, error) {
	chunk := previewBytes
	for _, s := range p.stages {
		if !s.WantsBody() {
			continue
		}
		v, err := s.FilterBodyChunk(ctx, chunk, false)
		if err != nil {
			return icaptypes.Verdict{}, icaperr.Wrap(icaperr.KindFilterError, err, "%s: filter_body_chunk(preview)", s.Name())
		}
		switch v.Kind {
		case icaptypes.VerdictBlock, icaptypes.VerdictDefer:
			return v, nil
		case icaptypes.VerdictModify:
			return icaptypes.Verdict{}, icaperr.New(icaperr.KindFilterError, "%s: Modify is not a valid preview verdict", s.Name())
		}
	}
	return icaptypes.Allow(), nil
}

// StreamResult is the outcome of ProcessStream: the terminal verdict plus,
// when the stream was allowed or modified, the (possibly rewritten) body
// chunks ready for chunked re-encoding.
type StreamResult struct {
	Verdict icaptypes.Verdict
	Body    [][]byte
}

// ProcessStream implements process_stream: consumes frames from feed,
// running every body-wanting stage over each chunk in order. A Block at
// any stage aborts the stream — the pipeline still drains feed to EOF so
// the caller's wire framing stays intact, per spec.md §4.5 — and discards
// buffered output. A Modify at stage i replaces the bytes handed to stage
// i+1 onward and to the final output.
func (p *Pipeline) ProcessStream(ctx context.Context, feed ChunkFeed) (StreamResult, error) {
	return p.processStream(ctx, feed, nil)
}

// ProcessStreamContinuation resumes streaming after a Defer verdict from
// ProcessPreview: previewPrefix is the already-filtered preview buffer,
// which is not re-run through the stages (a filter saw it once, during the
// preview call) but is prepended to the reconstructed body if a later
// stage modifies the remainder, and counts against the memory cap.
func (p *Pipeline) ProcessStreamContinuation(ctx context.Context, feed ChunkFeed, previewPrefix []byte) (StreamResult, error) {
	return p.processStream(ctx, feed, previewPrefix)
}

func (p *Pipeline) processStream(ctx context.Context, feed ChunkFeed, prefix []byte) (StreamResult, error) {
	var out [][]byte
	if len(prefix) > 0 {
		out = append(out, prefix)
	}
	retained := int64(len(prefix))
	modified := false

	for {
		frame, err := feed.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return StreamResult{}, err
		}
		if frame.IsTrailer {
			continue
		}

		retained += int64(len(frame.Data))
		if retained > p.maxBodyBytes {
			drain(ctx, feed)
			return StreamResult{}, icaperr.New(icaperr.KindBodyTooLarge, "body exceeds %d bytes", p.maxBodyBytes)
		}

		chunk := frame.Data
		for _, s := range p.stages {
			if !s.WantsBody() {
				continue
			}
			v, err := s.FilterBodyChunk(ctx, chunk, false)
			if err != nil {
				return StreamResult{}, icaperr.Wrap(icaperr.KindFilterError, err, "%s: filter_body_chunk", s.Name())
			}
			switch v.Kind {
			case icaptypes.VerdictBlock:
				drain(ctx, feed)
				return StreamResult{Verdict: v}, nil
			case icaptypes.VerdictModify:
				chunk = v.NewBody
				modified = true
			case icaptypes.VerdictDefer:
				return StreamResult{}, icaperr.New(icaperr.KindFilterError, "%s: Defer is only valid during preview", s.Name())
			}
		}
		out = append(out, chunk)
	}

	finalVerdict, finalBody, err := p.flush(ctx)
	if err != nil {
		return StreamResult{}, err
	}
	if finalVerdict.Kind == icaptypes.VerdictBlock {
		return StreamResult{Verdict: finalVerdict}, nil
	}
	if finalVerdict.Kind == icaptypes.VerdictModify {
		out = append(out, finalBody)
		modified = true
	}

	if modified {
		return StreamResult{Verdict: icaptypes.Modify(nil, nil), Body: out}, nil
	}
	return StreamResult{Verdict: icaptypes.Allow()}, nil
}

// flush calls every body-wanting stage once more with isFinal=true so
// stateful filters can emit a decision that only resolves once the whole
// body has been seen (e.g. a streaming checksum, a size-threshold rule, or
// a whole-body rewrite a filter could only buffer and apply at the end).
// A Modify verdict here contributes one final chunk to the reconstructed
// body, appended after everything seen so far.
func (p *Pipeline) flush(ctx context.Context) (icaptypes.Verdict, []byte, error) {
	for _, s := range p.stages {
		if !s.WantsBody() {
			continue
		}
		v, err := s.FilterBodyChunk(ctx, nil, true)
		if err != nil {
			return icaptypes.Verdict{}, nil, icaperr.Wrap(icaperr.KindFilterError, err, "%s: filter_body_chunk(final)", s.Name())
		}
		switch v.Kind {
		case icaptypes.VerdictBlock:
			return v, nil, nil
		case icaptypes.VerdictModify:
			return v, v.NewBody, nil
		}
	}
	return icaptypes.Allow(), nil, nil
}

// drain discards remaining frames from feed without processing them, so a
// mid-stream Block still consumes the peer's bytes through to the
// terminating chunk and preserves connection framing.
func drain(ctx context.Context, feed ChunkFeed) {
	for {
		_, err := feed.Next(ctx)
		if err != nil {
			return
		}
	}
}
