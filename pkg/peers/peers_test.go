package peers

import (
    "context"
    "reflect"
    "testing"
    "time"

    "go.uber.org/zap"
)

func startPeer(t *testing.T, ctx context.Context, id, node string) *Peers {
    t.Helper()
    p, err := New(Options{
        NodeID:        id,
        Bind:          "127.0.0.1:0",
        Meta:          map[string]string{MetaNode: node},
        Logger:        zap.NewNop(),
        ProbeInterval: 100 * time.Millisecond,
        SuspicionMult: 2,
    })
    if err != nil { t.Fatalf("new %s: %v", id, err) }
    if err := p.Start(ctx); err != nil { t.Fatalf("start %s: %v", id, err) }
    t.Cleanup(func() { _ = p.Stop() })
    if p.Local().Addr == "" { t.Fatalf("local addr empty for %s", id) }
    return p
}

func awaitSubscribers(t *testing.T, p *Peers, topic string, want []string, timeout time.Duration) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for {
        got := p.Subscribers(topic)
        if reflect.DeepEqual(got, want) { return }
        if time.Now().After(deadline) {
            t.Fatalf("subscribers(%s) = %v, want %v", topic, got, want)
        }
        time.Sleep(100 * time.Millisecond)
    }
}

func TestSubscribersFollowAdvertisedTopics(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    p1 := startPeer(t, ctx, "n1", "10.0.0.1:8080")
    p2 := startPeer(t, ctx, "n2", "10.0.0.2:8080")
    if _, err := p2.Join([]string{p1.Local().Addr}); err != nil { t.Fatalf("join: %v", err) }
    if s := p1.HealthScore(); s < 0 { t.Fatalf("health score = %d", s) }

    if err := p2.SetTopics([]string{"t1", "t2", "t1"}); err != nil { t.Fatalf("set topics: %v", err) }
    awaitSubscribers(t, p1, "t1", []string{"10.0.0.2:8080"}, 5*time.Second)

    if err := p1.SetTopics([]string{"t1"}); err != nil { t.Fatalf("set topics: %v", err) }
    awaitSubscribers(t, p2, "t1", []string{"10.0.0.1:8080", "10.0.0.2:8080"}, 5*time.Second)

    if err := p2.SetTopics(nil); err != nil { t.Fatalf("clear topics: %v", err) }
    awaitSubscribers(t, p1, "t1", []string{"10.0.0.1:8080"}, 5*time.Second)
    awaitSubscribers(t, p1, "t2", nil, 5*time.Second)
}

func TestJoinTopicsNormalizes(t *testing.T) {
    if got := joinTopics([]string{" b", "a", "b", ""}); got != "a,b" { t.Fatalf("joinTopics = %q", got) }
    if got := splitTopics("a, b,,c"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) { t.Fatalf("splitTopics = %v", got) }
}

func TestJoinBeforeStart(t *testing.T) {
    p, err := New(Options{NodeID: "x", Bind: "127.0.0.1:0"})
    if err != nil { t.Fatalf("new: %v", err) }
    if _, err := p.Join([]string{"127.0.0.1:1"}); err == nil { t.Fatalf("join before start should fail") }
    if s := p.HealthScore(); s != -1 { t.Fatalf("health before start = %d", s) }
    if err := p.Stop(); err != nil { t.Fatalf("stop: %v", err) }
}
