// Package service is the turn pipeline: entitlement check, state load,
// routing, the orchestration run, CAS write-back, and the archive hand-off.
// The streaming transport calls into it; it owns no HTTP surface itself.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
	registryx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/registry"
	routerx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/router"
	runtimex "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/runtime"
	statex "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/state"
)

type Service struct {
	store    statex.Store
	registry *registryx.Registry
	router   *routerx.Router
	loop     *runtimex.Loop
	sink     contractx.Sink
	ent      contractx.Entitlements

	mu   sync.Mutex
	runs map[string]*runtimex.CancelFlag
}

func New(
	store statex.Store,
	registry *registryx.Registry,
	router *routerx.Router,
	loop *runtimex.Loop,
	sink contractx.Sink,
	ent contractx.Entitlements,
) (*Service, error) {
	if store == nil || registry == nil || router == nil || loop == nil {
		return nil, fmt.Errorf("%w: store, registry, router and loop are required", contractx.ErrValidation)
	}
	if sink == nil {
		sink = contractx.NoopSink{}
	}
	if ent == nil {
		ent = contractx.AllowAll{}
	}
	return &Service{
		store:    store,
		registry: registry,
		router:   router,
		loop:     loop,
		sink:     sink,
		ent:      ent,
		runs:     make(map[string]*runtimex.CancelFlag),
	}, nil
}

// HandleTurn drives one user turn end to end, emitting the full event stream
// (terminal event last, exactly once) to emit. Pre-run failures surface as an
// error terminal; once the run itself has emitted its terminal, write-back
// problems are logged and archived but never produce a second terminal.
func (s *Service) HandleTurn(ctx context.Context, conversationID, text string, emit runtimex.Emitter) contractx.Event {
	if err := s.ent.Check(ctx, conversationID); err != nil {
		return s.reject(emit, contractx.ErrorEvent(contractx.KindQuotaExceeded, "your plan does not allow more assistant turns right now"))
	}

	st, baseVersion, err := s.loadOrCreate(ctx, conversationID)
	if err != nil {
		return s.reject(emit, contractx.ErrorEvent(contractx.KindSessionUnavailable, "the conversation could not be loaded, try again shortly"))
	}
	baseline := len(st.Turns)

	if _, err := st.AppendTurn(contractx.Turn{Role: contractx.RoleUser, Content: text}, time.Now()); err != nil {
		return s.reject(emit, contractx.ErrorEvent(contractx.KindSessionUnavailable, "the conversation log rejected the message"))
	}

	selection := s.router.Route(ctx, st, text)
	agent, ok := s.registry.Agent(selection.Agent)
	if !ok {
		agent = s.registry.Fallback()
	}

	cancel := s.register(conversationID)
	defer s.unregister(conversationID, cancel)

	outcome := s.loop.Run(ctx, st, agent, selection, cancel, emit)

	newTurns := st.Turns[baseline:]
	committed, err := s.writeBack(ctx, st, baseVersion, newTurns)
	if err != nil {
		log.Error().Err(err).
			Str("conversation_id", conversationID).
			Int("turns", len(newTurns)).
			Msg("state write-back failed, archiving the run's turns best effort")
		committed = newTurns
	}
	if len(committed) > 0 {
		s.sink.Enqueue(conversationID, committed)
	}
	return outcome.Terminal
}

// Cancel requests cooperative cancellation of the conversation's in-flight
// run. Reports whether a run was active.
func (s *Service) Cancel(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag, ok := s.runs[conversationID]
	if ok {
		flag.Cancel()
	}
	return ok
}

func (s *Service) loadOrCreate(ctx context.Context, conversationID string) (*statex.ConversationState, int64, error) {
	st, err := s.store.Load(ctx, conversationID)
	switch {
	case err == nil:
		return st, st.Version, nil
	case errors.Is(err, statex.ErrStateNotFound):
		return statex.NewConversationState(conversationID, time.Now()), 0, nil
	default:
		return nil, 0, err
	}
}

// writeBack commits the run's turns with CAS and returns them as stored,
// sequence numbers included. On a version conflict it reloads, grafts this
// run's turns onto the winner, and retries once; the grafted turns carry the
// winner's numbering, so downstream consumers must use the returned slice.
func (s *Service) writeBack(ctx context.Context, st *statex.ConversationState, baseVersion int64, newTurns []contractx.Turn) ([]contractx.Turn, error) {
	err := s.store.CompareAndSwap(ctx, st, baseVersion)
	if err == nil || !errors.Is(err, statex.ErrVersionConflict) {
		return newTurns, err
	}

	fresh, loadErr := s.store.Load(ctx, st.ConversationID)
	if loadErr != nil {
		return nil, loadErr
	}
	committed := make([]contractx.Turn, 0, len(newTurns))
	for _, t := range newTurns {
		// The winner owns the sequence numbers now.
		t.Seq = 0
		appended, appendErr := fresh.AppendTurn(t, time.Now())
		if appendErr != nil {
			return nil, appendErr
		}
		committed = append(committed, appended)
	}
	fresh.ActiveAgent = st.ActiveAgent
	fresh.Workflow = st.Workflow
	if err := s.store.CompareAndSwap(ctx, fresh, fresh.Version); err != nil {
		return nil, err
	}
	return committed, nil
}

func (s *Service) reject(emit runtimex.Emitter, terminal contractx.Event) contractx.Event {
	if err := emit.Emit(terminal); err != nil {
		log.Warn().Err(err).Msg("terminal emission failed")
	}
	return terminal
}

func (s *Service) register(conversationID string) *runtimex.CancelFlag {
	flag := &runtimex.CancelFlag{}
	s.mu.Lock()
	s.runs[conversationID] = flag
	s.mu.Unlock()
	return flag
}

func (s *Service) unregister(conversationID string, flag *runtimex.CancelFlag) {
	s.mu.Lock()
	if s.runs[conversationID] == flag {
		delete(s.runs, conversationID)
	}
	s.mu.Unlock()
}
