// Command peerwatch joins the gossip ring of a filechain deployment and
// prints membership changes together with the topics each peer receives.
package main

import (
    "context"
    "flag"
    "fmt"
    "log"
    "os/signal"
    "syscall"
    "time"

    "github.com/amirimatin/go-filechain/pkg/discovery"
    "github.com/amirimatin/go-filechain/pkg/peers"
)

func main() {
    var (
        id        = flag.String("id", "peerwatch", "gossip node id")
        bind      = flag.String("bind", ":7947", "bind host:port")
        advertise = flag.String("advertise", "", "advertise host:port (optional)")
        joinCSV   = flag.String("join", "", "comma-separated seeds (host:port)")
        topic     = flag.String("topic", "", "print the subscribers of this topic on every change")
    )
    flag.Parse()

    ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer cancel()

    p, err := peers.New(peers.Options{NodeID: *id, Bind: *bind, Advertise: *advertise}) // nil Logger: peers.New falls back to logutil.Default()
    if err != nil { log.Fatal(err) }
    if err := p.Start(ctx); err != nil { log.Fatal(err) }

    if seeds := discovery.ParseList(*joinCSV); len(seeds) > 0 {
        if _, err := p.Join(seeds); err != nil { log.Printf("join error: %v", err) }
    }

    fmt.Println("peerwatch started. Press Ctrl+C to exit.")
    go func(evch <-chan peers.Event) {
        for e := range evch {
            fmt.Printf("event: %-6s id=%s node=%s topics=%v at=%s\n", e.Type, e.Member.ID, e.Member.NodeAddr(), e.Member.Topics(), e.At.Format(time.RFC3339))
            if *topic != "" { fmt.Printf("  subscribers of %s: %v\n", *topic, p.Subscribers(*topic)) }
        }
    }(p.Events())

    <-ctx.Done()
    _ = p.Leave()
    _ = p.Stop()
}
