package ledgerraft

import (
    "fmt"
    "io"

    "github.com/hashicorp/raft"
    jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Command is one replicated ledger write.
type Command struct {
    Op      string          `json:"op"`
    Payload jsoniter.RawMessage `json:"payload"`
}

const (
    OpCreateGroup    = "CreateGroup"
    OpDeployContract = "DeployContract"
    OpAddAddress     = "AddAddress"
    OpMigrateTopics  = "MigrateTopics"
    OpAddTopic       = "AddTopic"
)

type createGroupReq struct {
    Group string `json:"group"`
}

type deployReq struct {
    Group   string `json:"group"`
    Address string `json:"address"`
}

type addAddressReq struct {
    Group   string `json:"group"`
    Version int    `json:"version"`
    Address string `json:"address"`
}

type migrateReq struct {
    Group string `json:"group"`
    From  string `json:"from"`
    To    string `json:"to"`
}

type addTopicReq struct {
    Group   string `json:"group"`
    Address string `json:"address"`
    Topic   string `json:"topic"`
}

func newCommand(op string, payload any) (Command, error) {
    b, err := json.Marshal(payload)
    if err != nil { return Command{}, err }
    return Command{Op: op, Payload: b}, nil
}

// ledgerFSM applies Commands to a State. Apply returns the command error,
// which raft hands back to the caller through ApplyFuture.Response.
type ledgerFSM struct {
    st *State
}

func newLedgerFSM(st *State) *ledgerFSM { return &ledgerFSM{st: st} }

func (f *ledgerFSM) Apply(l *raft.Log) interface{} {
    var cmd Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil { return err }
    switch cmd.Op {
    case OpCreateGroup:
        var req createGroupReq
        if err := json.Unmarshal(cmd.Payload, &req); err != nil { return err }
        return f.st.applyCreateGroup(req.Group)
    case OpDeployContract:
        var req deployReq
        if err := json.Unmarshal(cmd.Payload, &req); err != nil { return err }
        return f.st.applyDeploy(req.Group, req.Address)
    case OpAddAddress:
        var req addAddressReq
        if err := json.Unmarshal(cmd.Payload, &req); err != nil { return err }
        return f.st.applyAddAddress(req.Group, req.Version, req.Address)
    case OpMigrateTopics:
        var req migrateReq
        if err := json.Unmarshal(cmd.Payload, &req); err != nil { return err }
        return f.st.applyMigrate(req.Group, req.From, req.To)
    case OpAddTopic:
        var req addTopicReq
        if err := json.Unmarshal(cmd.Payload, &req); err != nil { return err }
        return f.st.applyAddTopic(req.Group, req.Address, req.Topic)
    default:
        return fmt.Errorf("ledgerraft: unknown op %q", cmd.Op)
    }
}

func (f *ledgerFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.st.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob}, nil
}

func (f *ledgerFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.st.Restore(data)
}

type snapshot struct{ blob []byte }

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*ledgerFSM)(nil)
