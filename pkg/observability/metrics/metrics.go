package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    ChunksWritten = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "filechain",
        Subsystem: "upload",
        Name:      "chunks_written_total",
        Help:      "Total number of chunks durably written to local chunk stores",
    })
    ChunkRetries = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "filechain",
        Subsystem: "upload",
        Name:      "chunk_retries_total",
        Help:      "Total number of chunk write attempts that had to be retried",
    })
    UploadSessions = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "filechain",
        Subsystem: "upload",
        Name:      "sessions_active",
        Help:      "Number of in-flight upload sessions",
    })
    Publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "filechain",
        Subsystem: "upload",
        Name:      "publishes_total",
        Help:      "Total number of completed-file publish attempts by result",
    }, []string{"result"})

    ChannelsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "filechain",
        Subsystem: "registry",
        Name:      "channels_open",
        Help:      "Number of open transport channels cached by this process",
    })
    ClientBuilds = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "filechain",
        Subsystem: "registry",
        Name:      "client_builds_total",
        Help:      "Total number of broker client handles constructed",
    })
    ClientReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "filechain",
        Subsystem: "registry",
        Name:      "client_reuse_total",
        Help:      "Total number of broker client handles discarded after losing a build race",
    })

    TopicControlGroups = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "filechain",
        Subsystem: "topic_control",
        Name:      "groups_total",
        Help:      "Topic-control bootstrap outcomes per group",
    }, []string{"result"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "filechain",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new admin gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "filechain",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of admin gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "filechain",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached admin gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "filechain",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached admin gRPC connections",
    })

    LedgerIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "filechain",
        Subsystem: "ledger",
        Name:      "is_leader",
        Help:      "1 if this node leads the embedded ledger, else 0",
    })
    Peers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "filechain",
        Name:      "peers_total",
        Help:      "Current number of known broker peers",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(ChunksWritten, ChunkRetries, UploadSessions, Publishes)
        prometheus.MustRegister(ChannelsOpen, ClientBuilds, ClientReuse)
        prometheus.MustRegister(TopicControlGroups)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
        prometheus.MustRegister(LedgerIsLeader, Peers)
    })
}
