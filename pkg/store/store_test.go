package store

import (
    "errors"
    "path/filepath"
    "testing"
)

func openTemp(t *testing.T) *DB {
    t.Helper()
    db, err := Open(filepath.Join(t.TempDir(), "data", "filechain.db"))
    if err != nil { t.Fatalf("open: %v", err) }
    t.Cleanup(func() { _ = db.Close() })
    return db
}

func TestKeys(t *testing.T) {
    if got := ClientKey(1, "g1", "127.0.0.1:8080"); got != "1__g1__127.0.0.1:8080" { t.Fatalf("client key = %s", got) }
    if got := ChannelKey(1, "g1", "n", "t1"); got != "1__g1__n__t1" { t.Fatalf("channel key = %s", got) }
    if got := StatusKey(2, "g1", "t1", "a.txt"); got != "2__g1__t1__a.txt" { t.Fatalf("status key = %s", got) }
}

func TestChannels(t *testing.T) {
    db := openTemp(t)
    plain := Channel{BrokerID: 1, GroupID: "g1", NodeAddress: "n1", Topic: "t1", Role: RoleSender, OverWrite: "0"}
    keyed := Channel{BrokerID: 1, GroupID: "g1", NodeAddress: "n1", Topic: "t2", Role: RoleReceiver, OverWrite: "1", PrivateKey: "pem"}
    other := Channel{BrokerID: 2, GroupID: "g1", NodeAddress: "n1", Topic: "t1", Role: RoleSender, OverWrite: "0"}
    for _, c := range []Channel{plain, keyed, other} {
        if err := db.SaveChannel(c); err != nil { t.Fatalf("save: %v", err) }
    }

    all, err := db.ListChannels()
    if err != nil || len(all) != 3 { t.Fatalf("list = %v, %v", all, err) }
    group, err := db.ChannelsByGroup(1, "g1")
    if err != nil || len(group) != 2 { t.Fatalf("by group = %v, %v", group, err) }
    if group[0].Verified || !group[1].Verified { t.Fatalf("verified flags = %v %v", group[0].Verified, group[1].Verified) }

    got, err := db.GetChannel(1, "g1", "n1", "t1")
    if err != nil || got.Role != RoleSender || got.CreatedAt.IsZero() { t.Fatalf("get = %+v, %v", got, err) }

    if err := db.DeleteChannel(1, "g1", "n1", "t1"); err != nil { t.Fatalf("delete: %v", err) }
    if _, err := db.GetChannel(1, "g1", "n1", "t1"); !errors.Is(err, ErrNotFound) { t.Fatalf("get deleted: %v", err) }
}

func TestStatusUpsertKeepsOneRecord(t *testing.T) {
    db := openTemp(t)
    st := TransportStatus{BrokerID: 1, GroupID: "g1", NodeAddress: "n1", Topic: "t1", FileName: "a.txt", FileSize: 300, Status: StatusUploading}
    first, err := db.UpsertStatus(st)
    if err != nil || first.ID == "" { t.Fatalf("upsert = %+v, %v", first, err) }
    if err := db.SetStatus(first.Key(), StatusFailed); err != nil { t.Fatalf("set status: %v", err) }

    second, err := db.UpsertStatus(st)
    if err != nil { t.Fatal(err) }
    if second.ID != first.ID || second.Status != StatusUploading { t.Fatalf("second = %+v", second) }
    if err := db.SetSpeed(second.Key(), "1.00 KB/s"); err != nil { t.Fatal(err) }

    list, err := db.StatusByChannel(1, "g1", "n1", "t1")
    if err != nil || len(list) != 1 || list[0].Speed != "1.00 KB/s" { t.Fatalf("list = %+v, %v", list, err) }
    if list, _ := db.StatusByChannel(1, "g1", "n2", "t1"); len(list) != 0 { t.Fatalf("other node = %+v", list) }
    if err := db.SetStatus("missing", StatusSuccess); !errors.Is(err, ErrNotFound) { t.Fatalf("missing: %v", err) }
}

func TestTopicAuthSoftDelete(t *testing.T) {
    db := openTemp(t)
    a, err := db.SaveTopicAuth(TopicAuth{UserName: "alice", TopicName: "t1", Permission: 1})
    if err != nil || a.ID == 0 { t.Fatalf("save = %+v, %v", a, err) }
    if _, err := db.SaveTopicAuth(TopicAuth{UserName: "alice", TopicName: "t2"}); err != nil { t.Fatal(err) }

    if got, err := db.TopicAuthsByUser("alice"); err != nil || len(got) != 2 { t.Fatalf("by user = %v, %v", got, err) }
    if err := db.DeleteTopicAuth(a.ID); err != nil { t.Fatalf("delete: %v", err) }
    if err := db.DeleteTopicAuth(a.ID); !errors.Is(err, ErrNotFound) { t.Fatalf("delete twice: %v", err) }
    if _, err := db.TopicAuthByUserTopic("alice", "t1"); !errors.Is(err, ErrNotFound) { t.Fatalf("deleted grant visible: %v", err) }
    if got, err := db.TopicAuthByUserTopic("alice", "t2"); err != nil || got.TopicName != "t2" { t.Fatalf("live grant = %+v, %v", got, err) }
}

func TestReopenKeepsRecords(t *testing.T) {
    path := filepath.Join(t.TempDir(), "filechain.db")
    db, err := Open(path)
    if err != nil { t.Fatal(err) }
    if err := db.SaveChannel(Channel{BrokerID: 1, GroupID: "g1", NodeAddress: "n1", Topic: "t1", Role: RoleSender, OverWrite: "1"}); err != nil { t.Fatal(err) }
    if err := db.Close(); err != nil { t.Fatal(err) }

    db, err = Open(path)
    if err != nil { t.Fatal(err) }
    defer db.Close()
    all, err := db.ListChannels()
    if err != nil || len(all) != 1 || all[0].OverWrite != "1" { t.Fatalf("after reopen = %+v, %v", all, err) }
}
