package fabric

import (
	"context"
	"sort"
)

// Barrier tokens, in exchange order.
const (
	tokenStart uint32 = iota
	tokenReady
	tokenGo
)

// runBarrier holds every node until all of them have a complete mesh. Node 0
// coordinates: it announces start, collects ready from every peer and then
// releases them.
func runBarrier(ctx context.Context, cfg Config, links map[int]link, tel *telemetry) (err error) {
	if len(cfg.Nodes) == 1 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.BarrierTimeout)
	defer cancel()
	span := tel.startSpan("meshfabric-barrier")
	defer func() {
		spanRecordError(span, err)
		spanEnd(span, err)
	}()

	if cfg.Self == 0 {
		peers := make([]int, 0, len(links))
		for id := range links {
			peers = append(peers, id)
		}
		sort.Ints(peers)
		for _, p := range peers {
			if err := links[p].sendToken(ctx, tokenStart); err != nil {
				return &BarrierError{Round: 1, Peer: p, Err: err}
			}
		}
		spanAddEvent(span, "round", logKV("round", 1))
		for _, p := range peers {
			if err := expectToken(ctx, links[p], 2, p, tokenReady); err != nil {
				return err
			}
		}
		spanAddEvent(span, "round", logKV("round", 2))
		for _, p := range peers {
			if err := links[p].sendToken(ctx, tokenGo); err != nil {
				return &BarrierError{Round: 3, Peer: p, Err: err}
			}
		}
		spanAddEvent(span, "round", logKV("round", 3))
	} else {
		coord, ok := links[0]
		if !ok {
			return &BarrierError{Round: 1, Peer: 0, Err: ErrUnknownPeer}
		}
		if err := expectToken(ctx, coord, 1, 0, tokenStart); err != nil {
			return err
		}
		spanAddEvent(span, "round", logKV("round", 1))
		if err := coord.sendToken(ctx, tokenReady); err != nil {
			return &BarrierError{Round: 2, Peer: 0, Err: err}
		}
		spanAddEvent(span, "round", logKV("round", 2))
		if err := expectToken(ctx, coord, 3, 0, tokenGo); err != nil {
			return err
		}
		spanAddEvent(span, "round", logKV("round", 3))
	}
	tel.logInfo("barrier passed")
	tel.barrierCompleted()
	return nil
}

func expectToken(ctx context.Context, l link, round, peer int, want uint32) error {
	got, err := l.recvToken(ctx)
	if err != nil {
		return &BarrierError{Round: round, Peer: peer, Want: want, Err: err}
	}
	if got != want {
		return &BarrierError{Round: round, Peer: peer, Got: got, Want: want, Err: ErrBarrierViolation}
	}
	return nil
}
