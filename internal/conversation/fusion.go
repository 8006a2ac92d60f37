package conversation

import (
	"context"
	"fmt"
	"strings"

	"FusionChat/internal/session"

	"golang.org/x/sync/errgroup"
)

type evFusionSource struct {
	opID  uint64
	index int
	state StreamingState
}

type evFusionSynthesizing struct {
	opID uint64
}

type evFusionSynthesis struct {
	opID  uint64
	state StreamingState
}

type evFusionFinished struct {
	opID     uint64
	err      error
	failures int
}

type fusionRun struct {
	conversationID  string
	content         string
	attachments     []session.Attachment
	models          []string
	judge           string
	systemPrompt    string
	reasoningEffort string
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SetFusionModels replaces the models queried by fusion. More than three
// models are refused. Fusion is switched off if the new set is invalid.
func (s *Session) SetFusionModels(models []string) {
	models = nonEmpty(models)
	s.dispatch(func() {
		r, ok := s.ready()
		if !ok {
			return
		}
		if len(models) > maxFusionModels {
			s.snackbar(fmt.Sprintf("Fusion supports up to %d models", maxFusionModels))
			return
		}
		r.Fusion.Models = models
		if !r.Fusion.Valid() {
			r.Fusion.Enabled = false
		}
		s.state = r
	})
}

// SetFusionJudge selects the model that synthesizes the fusion answers
func (s *Session) SetFusionJudge(model string) {
	model = strings.TrimSpace(model)
	s.dispatch(func() {
		s.update(func(r *Ready) {
			r.Fusion.Judge = model
			if !r.Fusion.Valid() {
				r.Fusion.Enabled = false
			}
		})
	})
}

// SetFusionEnabled toggles fusion mode. Enabling an invalid configuration is
// refused and reported as false.
func (s *Session) SetFusionEnabled(enabled bool) bool {
	accepted := false
	s.dispatch(func() {
		s.update(func(r *Ready) {
			if enabled && !r.Fusion.Valid() {
				return
			}
			r.Fusion.Enabled = enabled
			accepted = true
		})
	})
	return accepted
}

func (s *Session) startFusion(r Ready) {
	models := nonEmpty(r.Fusion.Models)
	content := strings.TrimSpace(r.InputText)
	run := fusionRun{
		conversationID:  s.activeID,
		content:         content,
		attachments:     r.PendingAttachments,
		models:          models,
		judge:           strings.TrimSpace(r.Fusion.Judge),
		systemPrompt:    s.prefs.SystemPrompt,
		reasoningEffort: s.prefs.ReasoningEffort,
	}

	sources := make([]FusionSource, len(models))
	for i, m := range models {
		sources[i] = FusionSource{Model: m}
	}
	r.InputText = ""
	r.PendingAttachments = nil
	r.Streaming = StreamStarting{}
	r.IsFusionRunning = true
	r.FusionResult = &FusionResult{Prompt: content, Sources: sources}
	s.state = r

	ctx, id := s.beginOp(opFusion)
	s.fusionRuns.Add(s.ctx, 1)
	s.logger.Info("fusion started", "conversation_id", run.conversationID, "models", models, "judge", run.judge)
	go s.runFusion(ctx, id, run)
}

// runFusion queries every model in parallel, then has the judge merge the
// answers that completed. One failing model does not stop the others.
func (s *Session) runFusion(ctx context.Context, opID uint64, run fusionRun) {
	results := make([]FusionSource, len(run.models))
	var g errgroup.Group
	g.SetLimit(maxFusionModels)
	for i, model := range run.models {
		i, model := i, model
		results[i].Model = model
		g.Go(func() error {
			defer func() { results[i].Done = true }()
			ch, err := s.deps.Driver.Query(ctx, QueryRequest{
				ConversationID:  run.conversationID,
				Content:         run.content,
				Attachments:     run.attachments,
				Model:           model,
				SystemPrompt:    run.systemPrompt,
				ReasoningEffort: run.reasoningEffort,
			})
			if err != nil {
				results[i].Err = err.Error()
				s.post(evFusionSource{opID: opID, index: i, state: StreamError{Cause: err}})
				return nil
			}
			for st := range ch {
				switch v := st.(type) {
				case StreamStreaming:
					results[i].Content, results[i].Thinking = v.Content, v.Thinking
				case StreamError:
					results[i].Err = v.Message()
					if v.PartialContent != "" {
						results[i].Content = v.PartialContent
					}
				}
				s.post(evFusionSource{opID: opID, index: i, state: st})
			}
			s.post(evFusionSource{opID: opID, index: i, state: StreamIdle{}})
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return
	}

	completed := make([]FusionSource, 0, len(results))
	for _, r := range results {
		if r.Err == "" && strings.TrimSpace(r.Content) != "" {
			completed = append(completed, r)
		}
	}
	failures := len(results) - len(completed)
	if len(completed) == 0 {
		s.post(evFusionFinished{opID: opID, err: ErrAllSourcesFailed, failures: failures})
		return
	}

	s.post(evFusionSynthesizing{opID: opID})
	ch, err := s.deps.Driver.Synthesize(ctx, SynthesisRequest{
		ConversationID:  run.conversationID,
		Content:         run.content,
		Attachments:     run.attachments,
		Judge:           run.judge,
		Sources:         completed,
		SystemPrompt:    run.systemPrompt,
		ReasoningEffort: run.reasoningEffort,
	})
	if err != nil {
		s.post(evFusionFinished{opID: opID, err: fmt.Errorf("synthesis: %w", err), failures: failures})
		return
	}
	var synthErr error
	for st := range ch {
		if e, ok := st.(StreamError); ok {
			synthErr = fmt.Errorf("synthesis: %s", e.Message())
		}
		s.post(evFusionSynthesis{opID: opID, state: st})
	}
	if ctx.Err() != nil {
		return
	}
	s.post(evFusionFinished{opID: opID, err: synthErr, failures: failures})
}

func (s *Session) updateFusion(fn func(fr *FusionResult)) {
	s.update(func(r *Ready) {
		if r.FusionResult == nil {
			return
		}
		fr := r.FusionResult.clone()
		fn(fr)
		r.FusionResult = fr
	})
}

func (s *Session) onFusionSource(ev evFusionSource) {
	if !s.currentOp(ev.opID) {
		return
	}
	s.updateFusion(func(fr *FusionResult) {
		if ev.index < 0 || ev.index >= len(fr.Sources) {
			return
		}
		src := fr.Sources[ev.index]
		switch st := ev.state.(type) {
		case StreamStreaming:
			src.Content, src.Thinking = st.Content, st.Thinking
		case StreamError:
			src.Err = st.Message()
			src.Done = true
			if st.PartialContent != "" {
				src.Content = st.PartialContent
			}
		case StreamIdle:
			src.Done = true
		}
		fr.Sources[ev.index] = src
	})
}

func (s *Session) onFusionSynthesizing(ev evFusionSynthesizing) {
	if !s.currentOp(ev.opID) {
		return
	}
	s.updateFusion(func(fr *FusionResult) {
		fr.Synthesizing = true
		for i := range fr.Sources {
			fr.Sources[i].Done = true
		}
	})
}

func (s *Session) onFusionSynthesis(ev evFusionSynthesis) {
	if !s.currentOp(ev.opID) {
		return
	}
	st, ok := ev.state.(StreamStreaming)
	if !ok {
		return
	}
	s.update(func(r *Ready) { r.Streaming = st })
	s.updateFusion(func(fr *FusionResult) { fr.Synthesized = st.Content })
}

func (s *Session) onFusionFinished(ev evFusionFinished) {
	if !s.currentOp(ev.opID) {
		return
	}
	s.endOp(ev.opID)
	if ev.failures > 0 {
		s.fusionFailures.Add(s.ctx, int64(ev.failures))
	}
	var partial string
	s.update(func(r *Ready) {
		r.IsFusionRunning = false
		if r.FusionResult != nil {
			partial = r.FusionResult.Synthesized
		}
		if ev.err != nil {
			r.Streaming = StreamError{Cause: ev.err, PartialContent: partial}
		} else {
			r.Streaming = StreamIdle{}
		}
	})
	s.updateFusion(func(fr *FusionResult) { fr.Synthesizing = false })
	if ev.err != nil {
		s.logger.Warn("fusion failed", "conversation_id", s.activeID, "failures", ev.failures, "error", ev.err)
		s.snackbar("Fusion failed: " + ev.err.Error())
		return
	}
	s.logger.Info("fusion finished", "conversation_id", s.activeID, "failures", ev.failures)
}
