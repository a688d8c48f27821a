package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/meshfabric/fabric"
)

type exchangeResult struct {
	Node     int
	Peers    int
	Sent     int
	Received int
	Elapsed  time.Duration
}

func (r exchangeResult) String() string {
	return fmt.Sprintf("node %d: sent %d and received %d objects with %d peers in %s",
		r.Node, r.Sent, r.Received, r.Peers, r.Elapsed.Round(time.Millisecond))
}

// probe encodes one exchange message as "from/seq". The raw codec only
// carries bytes, every other codec carries the string.
func probe(from, seq int, raw bool) any {
	s := strconv.Itoa(from) + "/" + strconv.Itoa(seq)
	if raw {
		return []byte(s)
	}
	return s
}

func parseProbe(v any) (from, seq int, err error) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return 0, 0, fmt.Errorf("unexpected probe type %T", v)
	}
	a, b, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("malformed probe %q", s)
	}
	if from, err = strconv.Atoi(a); err != nil {
		return 0, 0, fmt.Errorf("malformed probe %q: %w", s, err)
	}
	if seq, err = strconv.Atoi(b); err != nil {
		return 0, 0, fmt.Errorf("malformed probe %q: %w", s, err)
	}
	return from, seq, nil
}

// exchange sends rounds probes to every peer while receiving the same from
// each of them, and checks that every peer's probes arrive in order.
func exchange(ctx context.Context, tr *fabric.Transport, rounds int, raw bool) (exchangeResult, error) {
	peers := tr.Peers()
	res := exchangeResult{Node: tr.Self(), Peers: len(peers)}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for seq := 0; seq < rounds; seq++ {
			for _, p := range peers {
				if err := tr.SendContext(gctx, p, probe(tr.Self(), seq, raw)); err != nil {
					return fmt.Errorf("send %d to %d: %w", seq, p, err)
				}
				res.Sent++
			}
		}
		return nil
	})
	g.Go(func() error {
		next := make(map[int]int, len(peers))
		for n := 0; n < rounds*len(peers); n++ {
			msg, err := tr.ReceiveMessage(gctx)
			if err != nil {
				return fmt.Errorf("receive %d of %d: %w", n, rounds*len(peers), err)
			}
			from, seq, err := parseProbe(msg.Value)
			if err != nil {
				return err
			}
			if from != msg.Peer {
				return fmt.Errorf("probe from %d arrived on the link of peer %d", from, msg.Peer)
			}
			if seq != next[from] {
				return fmt.Errorf("peer %d: probe %d arrived, want %d", from, seq, next[from])
			}
			next[from]++
			res.Received++
		}
		return nil
	})
	err := g.Wait()
	res.Elapsed = time.Since(start)
	return res, err
}
