// Package store persists transport channels, transport status records and
// topic grants in a bbolt file. Records are JSON encoded with json-iterator.
package store

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/google/uuid"
    jsoniter "github.com/json-iterator/go"
    bolt "go.etcd.io/bbolt"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
    channelsBucket = []byte("channels")
    statusBucket   = []byte("transport_status")
    authBucket     = []byte("topic_auth")
)

// Sep joins the parts of cache and record keys.
const Sep = "__"

var ErrNotFound = errors.New("store: record not found")

// Transport status values.
const (
    StatusUploading = "uploading"
    StatusSuccess   = "success"
    StatusFailed    = "failed"
)

// Channel roles.
const (
    RoleSender   = "sender"
    RoleReceiver = "receiver"
)

// ClientKey identifies a broker client: broker__group__node.
func ClientKey(brokerID int, groupID, nodeAddress string) string {
    return strings.Join([]string{fmt.Sprint(brokerID), groupID, nodeAddress}, Sep)
}

// ChannelKey identifies a transport channel: broker__group__node__topic.
func ChannelKey(brokerID int, groupID, nodeAddress, topic string) string {
    return ClientKey(brokerID, groupID, nodeAddress) + Sep + topic
}

// StatusKey identifies a transport status record: broker__group__topic__file.
func StatusKey(brokerID int, groupID, topic, fileName string) string {
    return strings.Join([]string{fmt.Sprint(brokerID), groupID, topic, fileName}, Sep)
}

// Channel is a durable transport channel record.
type Channel struct {
    BrokerID    int       `json:"brokerId"`
    GroupID     string    `json:"groupId"`
    NodeAddress string    `json:"nodeAddress"`
    Topic       string    `json:"topicName"`
    Role        string    `json:"role"`
    // OverWrite is "1" (replace existing files) or "0".
    OverWrite  string    `json:"overWrite"`
    PublicKey  string    `json:"publicKey,omitempty"`
    PrivateKey string    `json:"privateKey,omitempty"`
    CreatedAt  time.Time `json:"createdAt"`
    // Verified is derived on listing: key material is present.
    Verified bool `json:"verified"`
}

func (c Channel) Key() string { return ChannelKey(c.BrokerID, c.GroupID, c.NodeAddress, c.Topic) }

// TransportStatus is the publish outcome of one uploaded file.
type TransportStatus struct {
    ID          string    `json:"id"`
    BrokerID    int       `json:"brokerId"`
    GroupID     string    `json:"groupId"`
    NodeAddress string    `json:"nodeAddress"`
    Topic       string    `json:"topicName"`
    FileName    string    `json:"fileName"`
    FileMD5     string    `json:"fileMd5"`
    FileSize    int64     `json:"fileSize"`
    Status      string    `json:"status"`
    Speed       string    `json:"speed,omitempty"`
    Process     string    `json:"process,omitempty"`
    UpdatedAt   time.Time `json:"updatedAt"`
}

func (s TransportStatus) Key() string { return StatusKey(s.BrokerID, s.GroupID, s.Topic, s.FileName) }

// TopicAuth grants an account access to a topic. DeleteAt is zero while the
// grant is live and the deletion unix time afterwards.
type TopicAuth struct {
    ID         uint64    `json:"id"`
    UserName   string    `json:"userName"`
    TopicName  string    `json:"topicName"`
    Permission int       `json:"permission"`
    CreatedAt  time.Time `json:"createdAt"`
    DeleteAt   int64     `json:"deleteAt"`
}

// DB is the bbolt-backed store.
type DB struct {
    db *bolt.DB
}

// Open opens or creates the store file at path.
func Open(path string) (*DB, error) {
    if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { return nil, err }
    db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
    if err != nil { return nil, err }
    err = db.Update(func(tx *bolt.Tx) error {
        for _, b := range [][]byte{channelsBucket, statusBucket, authBucket} {
            if _, err := tx.CreateBucketIfNotExists(b); err != nil { return err }
        }
        return nil
    })
    if err != nil {
        _ = db.Close()
        return nil, err
    }
    return &DB{db: db}, nil
}

func (s *DB) Close() error { return s.db.Close() }

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
    b, err := json.Marshal(v)
    if err != nil { return err }
    return tx.Bucket(bucket).Put([]byte(key), b)
}

func get(tx *bolt.Tx, bucket []byte, key string, v any) (bool, error) {
    data := tx.Bucket(bucket).Get([]byte(key))
    if data == nil { return false, nil }
    return true, json.Unmarshal(data, v)
}

// SaveChannel stores c under its key, replacing any previous record.
func (s *DB) SaveChannel(c Channel) error {
    if c.CreatedAt.IsZero() { c.CreatedAt = time.Now() }
    c.Verified = false
    return s.db.Update(func(tx *bolt.Tx) error { return put(tx, channelsBucket, c.Key(), c) })
}

func (s *DB) DeleteChannel(brokerID int, groupID, nodeAddress, topic string) error {
    return s.db.Update(func(tx *bolt.Tx) error {
        return tx.Bucket(channelsBucket).Delete([]byte(ChannelKey(brokerID, groupID, nodeAddress, topic)))
    })
}

func (s *DB) GetChannel(brokerID int, groupID, nodeAddress, topic string) (Channel, error) {
    var c Channel
    err := s.db.View(func(tx *bolt.Tx) error {
        ok, err := get(tx, channelsBucket, ChannelKey(brokerID, groupID, nodeAddress, topic), &c)
        if err == nil && !ok { err = ErrNotFound }
        return err
    })
    return c, err
}

// ListChannels returns every channel in key order.
func (s *DB) ListChannels() ([]Channel, error) {
    return s.channels(func(Channel) bool { return true })
}

// ChannelsByGroup returns the channels of one broker and group with the
// Verified flag set where key material is present.
func (s *DB) ChannelsByGroup(brokerID int, groupID string) ([]Channel, error) {
    out, err := s.channels(func(c Channel) bool { return c.BrokerID == brokerID && c.GroupID == groupID })
    for i := range out { out[i].Verified = out[i].PublicKey != "" || out[i].PrivateKey != "" }
    return out, err
}

func (s *DB) channels(keep func(Channel) bool) ([]Channel, error) {
    var out []Channel
    err := s.db.View(func(tx *bolt.Tx) error {
        return tx.Bucket(channelsBucket).ForEach(func(k, v []byte) error {
            var c Channel
            if err := json.Unmarshal(v, &c); err != nil { return fmt.Errorf("store: channel %s: %w", k, err) }
            if keep(c) { out = append(out, c) }
            return nil
        })
    })
    return out, err
}

// UpsertStatus creates the record for st's key or moves an existing record
// to st.Status, keeping one record per file per channel.
func (s *DB) UpsertStatus(st TransportStatus) (TransportStatus, error) {
    var out TransportStatus
    err := s.db.Update(func(tx *bolt.Tx) error {
        ok, err := get(tx, statusBucket, st.Key(), &out)
        if err != nil { return err }
        if !ok {
            out = st
            out.ID = uuid.NewString()
        } else {
            out.Status = st.Status
            if st.FileSize > 0 { out.FileSize = st.FileSize }
            if st.FileMD5 != "" { out.FileMD5 = st.FileMD5 }
            if st.NodeAddress != "" { out.NodeAddress = st.NodeAddress }
        }
        out.UpdatedAt = time.Now()
        return put(tx, statusBucket, out.Key(), out)
    })
    return out, err
}

func (s *DB) update(key string, fn func(*TransportStatus)) error {
    return s.db.Update(func(tx *bolt.Tx) error {
        var st TransportStatus
        ok, err := get(tx, statusBucket, key, &st)
        if err != nil { return err }
        if !ok { return fmt.Errorf("%w: status %s", ErrNotFound, key) }
        fn(&st)
        st.UpdatedAt = time.Now()
        return put(tx, statusBucket, key, st)
    })
}

// SetStatus moves the record identified by key to status.
func (s *DB) SetStatus(key, status string) error {
    return s.update(key, func(st *TransportStatus) { st.Status = status })
}

func (s *DB) SetSpeed(key, speed string) error {
    return s.update(key, func(st *TransportStatus) { st.Speed = speed })
}

func (s *DB) GetStatus(brokerID int, groupID, topic, fileName string) (TransportStatus, error) {
    var st TransportStatus
    err := s.db.View(func(tx *bolt.Tx) error {
        ok, err := get(tx, statusBucket, StatusKey(brokerID, groupID, topic, fileName), &st)
        if err == nil && !ok { err = ErrNotFound }
        return err
    })
    return st, err
}

// StatusByChannel lists the records of one (broker, group, node, topic).
func (s *DB) StatusByChannel(brokerID int, groupID, nodeAddress, topic string) ([]TransportStatus, error) {
    var out []TransportStatus
    prefix := []byte(StatusKey(brokerID, groupID, topic, ""))
    err := s.db.View(func(tx *bolt.Tx) error {
        c := tx.Bucket(statusBucket).Cursor()
        for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
            var st TransportStatus
            if err := json.Unmarshal(v, &st); err != nil { return err }
            if st.NodeAddress == nodeAddress { out = append(out, st) }
        }
        return nil
    })
    return out, err
}

// SaveTopicAuth stores a new live grant and returns it with its id.
func (s *DB) SaveTopicAuth(a TopicAuth) (TopicAuth, error) {
    if a.UserName == "" || a.TopicName == "" { return a, errors.New("store: topic grant needs user and topic") }
    err := s.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(authBucket)
        id, err := b.NextSequence()
        if err != nil { return err }
        a.ID, a.DeleteAt = id, 0
        if a.CreatedAt.IsZero() { a.CreatedAt = time.Now() }
        return put(tx, authBucket, authKey(id), a)
    })
    return a, err
}

// DeleteTopicAuth soft-deletes a grant.
func (s *DB) DeleteTopicAuth(id uint64) error {
    return s.db.Update(func(tx *bolt.Tx) error {
        var a TopicAuth
        ok, err := get(tx, authBucket, authKey(id), &a)
        if err != nil { return err }
        if !ok || a.DeleteAt != 0 { return fmt.Errorf("%w: topic grant %d", ErrNotFound, id) }
        a.DeleteAt = time.Now().Unix()
        return put(tx, authBucket, authKey(id), a)
    })
}

// TopicAuthsByUser returns the live grants of user.
func (s *DB) TopicAuthsByUser(user string) ([]TopicAuth, error) {
    var out []TopicAuth
    err := s.db.View(func(tx *bolt.Tx) error {
        return tx.Bucket(authBucket).ForEach(func(_, v []byte) error {
            var a TopicAuth
            if err := json.Unmarshal(v, &a); err != nil { return err }
            if a.UserName == user && a.DeleteAt == 0 { out = append(out, a) }
            return nil
        })
    })
    return out, err
}

// TopicAuthByUserTopic returns the live grant of user on topic.
func (s *DB) TopicAuthByUserTopic(user, topic string) (TopicAuth, error) {
    grants, err := s.TopicAuthsByUser(user)
    if err != nil { return TopicAuth{}, err }
    for _, a := range grants {
        if a.TopicName == topic { return a, nil }
    }
    return TopicAuth{}, ErrNotFound
}

// authKey is zero padded so key order follows id order.
func authKey(id uint64) string { return fmt.Sprintf("%020d", id) }
