package cli

import (
    "context"
    "errors"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "strconv"
    "time"

    "github.com/google/uuid"
    "github.com/logrusorgru/aurora"
    "github.com/spf13/cobra"

    "github.com/amirimatin/go-filechain/pkg/chunk"
    "github.com/amirimatin/go-filechain/pkg/security/keys"
    "github.com/amirimatin/go-filechain/pkg/store"
    "github.com/amirimatin/go-filechain/pkg/transport"
    "github.com/amirimatin/go-filechain/pkg/upload"
)

// NewDeployCmd returns the "deploy" command. It prints the echo-address
// summary of every group and fails when any group failed.
func NewDeployCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "deploy",
        Short: "Deploy topic control contracts for every ledger group",
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.call(func(ctx context.Context, a transport.Admin) error {
                resp, err := a.Deploy(ctx)
                if err != nil { return fmt.Errorf("deploy error: %w", err) }
                return printDeploy(cmd.OutOrStdout(), resp)
            })
        },
    }
    cf.bind(cmd)
    return cmd
}

func printDeploy(w io.Writer, resp transport.DeployResponse) error {
    failed := 0
    for _, g := range resp.Groups {
        fmt.Fprintf(w, "%s %s\n", aurora.Bold("group"), aurora.Cyan(g.Group))
        for _, e := range g.Addresses {
            mark := aurora.Yellow("existing")
            if e.New { mark = aurora.BrightGreen("new") }
            fmt.Fprintf(w, "  version=%d address=%s %s\n", e.Version, e.Address, mark)
        }
        if g.MigratedFrom > 0 { fmt.Fprintf(w, "  topics migrated from version %d\n", g.MigratedFrom) }
        if g.Message != "" {
            failed++
            fmt.Fprintf(w, "  %s %s\n", aurora.Red("failed:"), g.Message)
        }
    }
    if resp.Error != "" { return errors.New(resp.Error) }
    if failed > 0 { return fmt.Errorf("deploy failed for %d of %d groups", failed, len(resp.Groups)) }
    return nil
}

// NewTransportCmd returns "transport open|close|list".
func NewTransportCmd() *cobra.Command {
    parent := &cobra.Command{Use: "transport", Short: "manage broker channels"}
    parent.AddCommand(newTransportOpenCmd(), newTransportCloseCmd(), newTransportListCmd())
    return parent
}

func newTransportOpenCmd() *cobra.Command {
    var (
        cf                    clientFlags
        tf                    topicFlags
        role                  string
        overwrite             bool
        publicKey, privateKey string
    )
    cmd := &cobra.Command{
        Use:   "open",
        Short: "Open a sender or receiver channel",
        RunE: func(cmd *cobra.Command, args []string) error {
            c := store.Channel{BrokerID: tf.broker, GroupID: tf.group, NodeAddress: tf.node, Topic: tf.topic, Role: role, OverWrite: "0"}
            if overwrite { c.OverWrite = "1" }
            var err error
            if c.PublicKey, err = readOptional(publicKey); err != nil { return err }
            if c.PrivateKey, err = readOptional(privateKey); err != nil { return err }
            return cf.call(func(ctx context.Context, a transport.Admin) error {
                if err := a.OpenTransport(ctx, c); err != nil { return fmt.Errorf("open error: %w", err) }
                fmt.Fprintf(cmd.OutOrStdout(), "opened %s %s\n", role, c.Key())
                return nil
            })
        },
    }
    tf.bind(cmd, true)
    cmd.Flags().StringVar(&role, "role", store.RoleSender, "channel role: sender|receiver")
    cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace files that already exist on the topic")
    cmd.Flags().StringVar(&publicKey, "public-key", "", "PEM public key file (sender)")
    cmd.Flags().StringVar(&privateKey, "private-key", "", "PEM private key file (receiver)")
    cf.bind(cmd)
    return cmd
}

func readOptional(path string) (string, error) {
    if path == "" { return "", nil }
    b, err := os.ReadFile(path)
    if err != nil { return "", err }
    return string(b), nil
}

func newTransportCloseCmd() *cobra.Command {
    var (
        cf clientFlags
        tf topicFlags
    )
    cmd := &cobra.Command{
        Use:   "close",
        Short: "Close a channel",
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.call(func(ctx context.Context, a transport.Admin) error {
                return a.CloseTransport(ctx, transport.ChannelKey(tf.query()))
            })
        },
    }
    tf.bind(cmd, true)
    cf.bind(cmd)
    return cmd
}

func newTransportListCmd() *cobra.Command {
    var (
        cf clientFlags
        tf topicFlags
    )
    cmd := &cobra.Command{
        Use:   "list",
        Short: "List the channels of a broker group",
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.call(func(ctx context.Context, a transport.Admin) error {
                chans, err := a.ListTransports(ctx, transport.GroupQuery{BrokerID: tf.broker, GroupID: tf.group})
                if err != nil { return err }
                return printJSON(chans)
            })
        },
    }
    tf.bind(cmd, false)
    cf.bind(cmd)
    return cmd
}

// NewUploadCmd returns the "upload" command: it prepares a session, then
// sends the chunks the node does not have yet.
func NewUploadCmd() *cobra.Command {
    var (
        cf        clientFlags
        tf        topicFlags
        fileID    string
        chunkSize int
    )
    cmd := &cobra.Command{
        Use:   "upload <file>",
        Short: "Upload a local file in chunks and publish it on a topic",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            if fileID == "" { fileID = uuid.NewString() }
            a, release, err := cf.admin()
            if err != nil { return err }
            defer release()
            n, err := sendFile(cmd.Context(), a, args[0], fileID, chunkSize, tf, cf.timeout)
            if err != nil { return err }
            fmt.Fprintf(cmd.OutOrStdout(), "file %s: sent %d chunks\n", fileID, n)
            return nil
        },
    }
    tf.bind(cmd, true)
    cmd.Flags().StringVar(&fileID, "file-id", "", "upload session id; reuse it to resume (default: new uuid)")
    cmd.Flags().IntVar(&chunkSize, "chunk-size", 4<<20, "chunk size in bytes")
    cf.bind(cmd)
    return cmd
}

// sendFile uploads the chunks of path missing on the node and returns how
// many were sent.
func sendFile(ctx context.Context, a transport.Admin, path, fileID string, chunkSize int, tf topicFlags, timeout time.Duration) (int, error) {
    if ctx == nil { ctx = context.Background() }
    f, err := os.Open(path)
    if err != nil { return 0, err }
    defer f.Close()
    fi, err := f.Stat()
    if err != nil { return 0, err }

    req := upload.PrepareRequest{
        FileID:      fileID,
        FileName:    filepath.Base(path),
        Topic:       tf.topic,
        GroupID:     tf.group,
        TotalSize:   fi.Size(),
        ChunkSize:   chunkSize,
        BrokerID:    tf.broker,
        NodeAddress: tf.node,
    }
    pctx, cancel := context.WithTimeout(ctx, timeout)
    done, err := a.PrepareUpload(pctx, req)
    cancel()
    if err != nil { return 0, fmt.Errorf("prepare error: %w", err) }
    have := make(map[int]bool, len(done))
    for _, n := range done { have[n-1] = true }

    if chunkSize <= 0 { return 0, fmt.Errorf("chunk size must be positive") }
    total := chunk.ChunkCount(fi.Size(), chunkSize)
    buf := make([]byte, chunkSize)
    sent := 0
    for i := 0; i < total; i++ {
        if have[i] { continue }
        n, err := f.ReadAt(buf, int64(i)*int64(chunkSize))
        if err != nil && !errors.Is(err, io.EOF) { return sent, err }
        cctx, cancel := context.WithTimeout(ctx, timeout)
        err = a.UploadChunk(cctx, transport.ChunkRequest{FileID: fileID, Chunk: i, Data: buf[:n]})
        cancel()
        if err != nil { return sent, fmt.Errorf("chunk %d: %w", i, err) }
        sent++
    }
    return sent, nil
}

// NewFilesCmd returns the "files" command.
func NewFilesCmd() *cobra.Command {
    var (
        cf      clientFlags
        tf      topicFlags
        check   string
        uploads bool
    )
    cmd := &cobra.Command{
        Use:   "files",
        Short: "List files on a topic, or check whether one was uploaded",
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.call(func(ctx context.Context, a transport.Admin) error {
                switch {
                case uploads:
                    st, err := a.UploadStatus(ctx, tf.query())
                    if err != nil { return err }
                    return printJSON(st)
                case check != "":
                    err := a.CheckUpload(ctx, transport.FileQuery{TopicQuery: tf.query(), FileName: check})
                    if errors.Is(err, transport.ErrConflict) {
                        fmt.Fprintf(cmd.OutOrStdout(), "%s already uploaded\n", check)
                        return nil
                    }
                    if err != nil { return err }
                    fmt.Fprintf(cmd.OutOrStdout(), "%s not uploaded\n", check)
                    return nil
                }
                files, err := a.ListFiles(ctx, tf.query())
                if err != nil { return err }
                return printJSON(files)
            })
        },
    }
    tf.bind(cmd, true)
    cmd.Flags().StringVar(&check, "check", "", "only report whether this file name was uploaded")
    cmd.Flags().BoolVar(&uploads, "status", false, "print the upload status records instead")
    cf.bind(cmd)
    return cmd
}

// NewSubscribersCmd returns the "subscribers" command.
func NewSubscribersCmd() *cobra.Command {
    var (
        cf clientFlags
        tf topicFlags
    )
    cmd := &cobra.Command{
        Use:   "subscribers",
        Short: "List the nodes receiving a topic",
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.call(func(ctx context.Context, a transport.Admin) error {
                subs, err := a.Subscribers(ctx, tf.query())
                if err != nil { return err }
                return printJSON(subs)
            })
        },
    }
    tf.bind(cmd, true)
    cf.bind(cmd)
    return cmd
}

// NewDownloadCmd returns the "download" command. Files are streamed over
// the HTTP admin API; with --status it prints the receive status instead.
func NewDownloadCmd() *cobra.Command {
    var (
        cf     clientFlags
        tf     topicFlags
        out    string
        status bool
    )
    cmd := &cobra.Command{
        Use:   "download [file]",
        Short: "Fetch a received file from a node",
        Args:  cobra.MaximumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            if status {
                return cf.call(func(ctx context.Context, a transport.Admin) error {
                    st, err := a.DownloadStatus(ctx, tf.query())
                    if err != nil { return err }
                    return printJSON(st)
                })
            }
            if len(args) == 0 { return fmt.Errorf("missing file name") }
            cli, err := cf.httpClient()
            if err != nil { return err }
            if out == "" { out = filepath.Base(args[0]) }
            f, err := os.Create(out)
            if err != nil { return err }
            n, err := cli.Download(context.Background(), transport.FileQuery{TopicQuery: tf.query(), FileName: args[0]}, f)
            if cerr := f.Close(); err == nil { err = cerr }
            if err != nil {
                _ = os.Remove(out)
                return fmt.Errorf("download error: %w", err)
            }
            fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, n)
            return nil
        },
    }
    tf.bind(cmd, true)
    cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default: the file name)")
    cmd.Flags().BoolVar(&status, "status", false, "print the receive status of the topic")
    cf.bind(cmd)
    return cmd
}

// NewKeygenCmd returns the "keygen" command. Keys are generated locally
// unless --remote asks a node to generate them.
func NewKeygenCmd() *cobra.Command {
    var (
        cf        clientFlags
        kind      string
        dir, name string
        remote    bool
    )
    cmd := &cobra.Command{
        Use:   "keygen",
        Short: "Generate a PEM key pair for channel payloads",
        RunE: func(cmd *cobra.Command, args []string) error {
            var pair keys.Pair
            if remote {
                err := cf.call(func(ctx context.Context, a transport.Admin) error {
                    var err error
                    pair, err = a.GenerateKeys(ctx, transport.KeyRequest{Kind: kind})
                    return err
                })
                if err != nil { return err }
            } else {
                var err error
                if pair, err = keys.Generate(kind); err != nil { return err }
            }
            pub, priv, err := pair.WriteFiles(dir, name)
            if err != nil { return err }
            fmt.Fprintf(cmd.OutOrStdout(), "public key:  %s\nprivate key: %s\n", pub, priv)
            return nil
        },
    }
    cmd.Flags().StringVar(&kind, "kind", keys.KindECDSA, "key kind: ecdsa|rsa")
    cmd.Flags().StringVar(&dir, "dir", ".", "output directory")
    cmd.Flags().StringVar(&name, "name", "filechain", "file name prefix")
    cmd.Flags().BoolVar(&remote, "remote", false, "generate on the node at --addr")
    cf.bind(cmd)
    return cmd
}

// NewAuthCmd returns "auth grant|revoke|list" for account topic grants.
func NewAuthCmd() *cobra.Command {
    parent := &cobra.Command{Use: "auth", Short: "manage account topic grants"}

    var (
        gcf        clientFlags
        user       string
        topic      string
        permission int
    )
    grant := &cobra.Command{
        Use:   "grant",
        Short: "Grant a user access to a topic",
        RunE: func(cmd *cobra.Command, args []string) error {
            return gcf.call(func(ctx context.Context, a transport.Admin) error {
                g, err := a.GrantTopic(ctx, store.TopicAuth{UserName: user, TopicName: topic, Permission: permission})
                if err != nil { return err }
                return printJSON(g)
            })
        },
    }
    grant.Flags().StringVar(&user, "user", "", "account name")
    grant.Flags().StringVar(&topic, "topic", "", "topic name")
    grant.Flags().IntVar(&permission, "permission", 1, "permission level")
    gcf.bind(grant)

    var rcf clientFlags
    revoke := &cobra.Command{
        Use:   "revoke <id>",
        Short: "Revoke a topic grant",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            id, err := strconv.ParseUint(args[0], 10, 64)
            if err != nil { return fmt.Errorf("bad grant id %q", args[0]) }
            return rcf.call(func(ctx context.Context, a transport.Admin) error { return a.RevokeTopic(ctx, id) })
        },
    }
    rcf.bind(revoke)

    var (
        lcf      clientFlags
        listUser string
    )
    list := &cobra.Command{
        Use:   "list",
        Short: "List the active grants of a user",
        RunE: func(cmd *cobra.Command, args []string) error {
            return lcf.call(func(ctx context.Context, a transport.Admin) error {
                gs, err := a.TopicGrants(ctx, listUser)
                if err != nil { return err }
                return printJSON(gs)
            })
        },
    }
    list.Flags().StringVar(&listUser, "user", "", "account name")
    lcf.bind(list)

    parent.AddCommand(grant, revoke, list)
    return parent
}
