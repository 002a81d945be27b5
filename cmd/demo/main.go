// Command demo drives one balancer group against simulated nodes and prints
// every node's health after each call.
//
//	go run ./cmd/demo -calls 12 -dead node0,node2
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/fleet-recovery/internal/balancer"
)

func main() {
	var (
		nodes = flag.String("nodes", "node0,node1,node2", "group members in round-robin order")
		dead  = flag.String("dead", "node0,node2", "members that never answer")
		calls = flag.Int("calls", 12, "number of dispatches")
		ti    = flag.Duration("ti", 100*time.Millisecond, "timeout for UNKNOWN and DOWN members")
		tn    = flag.Duration("tn", 20*time.Millisecond, "timeout for UP members")
		cycle = flag.Int("cycle", 2, "visits per member per call")
		debug = flag.Bool("debug", false, "log every attempt")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	down := make(map[string]bool)
	for _, n := range strings.Split(*dead, ",") {
		down[strings.TrimSpace(n)] = true
	}

	// A dead member holds the caller for its whole timeout, like a peer
	// whose host is gone.
	sender := balancer.SenderFunc(func(ctx context.Context, node string, msg []byte, timeout time.Duration) ([]byte, error) {
		if down[node] {
			select {
			case <-time.After(timeout):
				return nil, errors.New("no reply")
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return append([]byte(node+":"), msg...), nil
	})

	lb, err := balancer.New(balancer.Config{
		Group:         "demo",
		Nodes:         strings.Split(*nodes, ","),
		InitTimeout:   *ti,
		NormalTimeout: *tn,
		CycleLimit:    *cycle,
	}, sender)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("group of %d, Ti=%s Tn=%s C=%d, budget per call %s\n",
		len(lb.GroupNodes()), *ti, *tn, *cycle, *ti*time.Duration(len(lb.GroupNodes())+1))
	for i := 1; i <= *calls; i++ {
		start := time.Now()
		resp, ok := lb.Send(context.Background(), []byte(fmt.Sprintf("call-%d", i)))
		fmt.Printf("call %2d ok=%-5v %-16s %6s |", i, ok, resp, time.Since(start).Round(time.Millisecond))
		for _, s := range lb.Nodes() {
			fmt.Printf(" %s=%s/%d", s.Name, s.Status, s.DownCount)
		}
		fmt.Println()
	}
}
