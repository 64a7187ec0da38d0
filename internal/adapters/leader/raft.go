package leader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftbadger "github.com/rfyiamcool/raft-badger"
)

// Raft elects the primary with a raft group. Only leadership is used; the
// replicated log carries no commands.
type Raft struct {
	config domain.RaftConfig
	nodeID string
	logger *slog.Logger

	mu        sync.Mutex
	raft      *raft.Raft
	transport *raft.NetworkTransport
	closers   []func() error
	watchStop chan struct{}
	watchDone chan struct{}
}

func NewRaft(config domain.RaftConfig, nodeID string, logger *slog.Logger) *Raft {
	if logger == nil {
		logger = slog.Default()
	}
	return &Raft{
		config: config,
		nodeID: nodeID,
		logger: logger.With("component", "raft-leader", "node_id", nodeID),
	}
}

func (r *Raft) IsLeader(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raft != nil && r.raft.State() == raft.Leader
}

// State reports the local raft state, "Shutdown" before Start.
func (r *Raft) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.raft == nil {
		return raft.Shutdown.String()
	}
	return r.raft.State().String()
}

func (r *Raft) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.raft != nil {
		return nil
	}

	if r.config.DataDir == "" || r.config.BindAddr == "" {
		return domain.NewConfigurationError("raft leader requires data_dir and bind_addr", nil,
			domain.WithComponent(component))
	}
	logPath := filepath.Join(r.config.DataDir, "raft-log")
	snapshotPath := filepath.Join(r.config.DataDir, "snapshots")
	if err := os.MkdirAll(snapshotPath, 0o755); err != nil {
		return newRaftError("failed to create raft data directory", err, snapshotPath)
	}

	logOpts := badger.DefaultOptions(logPath)
	logOpts.Logger = &badgerAdapter{logger: r.logger.With("component", "raft.badger-log")}
	logOpts.MemTableSize = 16 << 20
	logOpts.NumMemtables = 2
	logOpts.ValueLogFileSize = 16 << 20

	store, err := raftbadger.New(raftbadger.Config{DataPath: logPath}, &logOpts)
	if err != nil {
		return newRaftError("failed to open raft log store", err, logPath)
	}
	closers := []func() error{store.Close}

	snapshots, err := raft.NewFileSnapshotStore(snapshotPath, 2, io.Discard)
	if err != nil {
		closeAll(closers)
		return newRaftError("failed to open snapshot store", err, snapshotPath)
	}

	pool := r.config.MaxPool
	if pool <= 0 {
		pool = 3
	}
	transport, err := raft.NewTCPTransport(r.config.BindAddr, nil, pool, 10*time.Second, io.Discard)
	if err != nil {
		closeAll(closers)
		return newRaftError("failed to start raft transport", err, r.config.BindAddr)
	}
	closers = append([]func() error{transport.Close}, closers...)

	cfg := r.raftConfig()
	logs := logCompat{LogStore: store}
	stable := stableCompat{StableStore: store}

	if r.config.Bootstrap {
		configuration := raft.Configuration{Servers: []raft.Server{{
			ID:      cfg.LocalID,
			Address: transport.LocalAddr(),
		}}}
		if err := raft.BootstrapCluster(cfg, logs, stable, snapshots, transport, configuration); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			closeAll(closers)
			return newRaftError("failed to bootstrap raft cluster", err, string(transport.LocalAddr()))
		}
	}

	node, err := raft.NewRaft(cfg, leadershipFSM{}, logs, stable, snapshots, transport)
	if err != nil {
		closeAll(closers)
		return newRaftError("failed to start raft", err, string(transport.LocalAddr()))
	}

	r.raft = node
	r.transport = transport
	r.closers = closers
	r.watchStop = make(chan struct{})
	r.watchDone = make(chan struct{})
	go r.watch(node.LeaderCh(), r.watchStop, r.watchDone)

	r.logger.Info("raft leader election started", "bind_addr", transport.LocalAddr(), "bootstrap", r.config.Bootstrap)
	return nil
}

// Addr is the transport address the node listens on.
func (r *Raft) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transport == nil {
		return ""
	}
	return string(r.transport.LocalAddr())
}

func (r *Raft) Stop() error {
	r.mu.Lock()
	node, closers, watchStop, watchDone := r.raft, r.closers, r.watchStop, r.watchDone
	r.raft, r.transport, r.closers, r.watchStop, r.watchDone = nil, nil, nil, nil, nil
	r.mu.Unlock()

	if node == nil {
		return nil
	}
	close(watchStop)
	<-watchDone
	err := node.Shutdown().Error()
	return errors.Join(err, closeAll(closers))
}

func (r *Raft) watch(leaderCh <-chan bool, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case isLeader := <-leaderCh:
			if isLeader {
				r.logger.Info("became primary")
			} else {
				r.logger.Info("stepped down as primary")
			}
		case <-stop:
			return
		}
	}
}

func (r *Raft) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(r.nodeID)
	cfg.ShutdownOnRemove = false

	level := hclog.Warn
	var output io.Writer = io.Discard
	if r.config.Verbose {
		level = hclog.Debug
		output = os.Stderr
	}
	cfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  level,
		Output: output,
	})

	if r.config.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = r.config.HeartbeatTimeout
		if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
			cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
		}
	}
	if r.config.ElectionTimeout > 0 {
		cfg.ElectionTimeout = r.config.ElectionTimeout
	}
	if cfg.ElectionTimeout < cfg.HeartbeatTimeout {
		cfg.ElectionTimeout = cfg.HeartbeatTimeout
	}
	return cfg
}

// leadershipFSM ignores every command; the group exists only to elect a leader.
type leadershipFSM struct{}

func (leadershipFSM) Apply(*raft.Log) interface{} { return nil }

func (leadershipFSM) Snapshot() (raft.FSMSnapshot, error) { return emptySnapshot{}, nil }

func (leadershipFSM) Restore(rc io.ReadCloser) error { return rc.Close() }

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }

func (emptySnapshot) Release() {}

// stableCompat and logCompat translate badger's missing-key errors into the
// zero values raft expects from a fresh store.
type stableCompat struct {
	raft.StableStore
}

func (s stableCompat) Get(key []byte) ([]byte, error) {
	value, err := s.StableStore.Get(key)
	if isNotFound(err) {
		return nil, nil
	}
	return value, err
}

func (s stableCompat) GetUint64(key []byte) (uint64, error) {
	value, err := s.StableStore.GetUint64(key)
	if isNotFound(err) {
		return 0, nil
	}
	return value, err
}

type logCompat struct {
	raft.LogStore
}

func (l logCompat) GetLog(index uint64, out *raft.Log) error {
	if err := l.LogStore.GetLog(index, out); isNotFound(err) {
		return raft.ErrLogNotFound
	} else {
		return err
	}
}

func (l logCompat) FirstIndex() (uint64, error) {
	idx, err := l.LogStore.FirstIndex()
	if isNotFound(err) {
		return 0, nil
	}
	return idx, err
}

func (l logCompat) LastIndex() (uint64, error) {
	idx, err := l.LogStore.LastIndex()
	if isNotFound(err) {
		return 0, nil
	}
	return idx, err
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, badger.ErrKeyNotFound) ||
		strings.Contains(err.Error(), "not found") ||
		strings.Contains(err.Error(), "no such key")
}

func closeAll(closers []func() error) error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c())
	}
	return err
}

func newRaftError(message string, cause error, target string) *domain.DomainError {
	return domain.NewResourceError(message, cause,
		domain.WithComponent(component),
		domain.WithDetail("target", target))
}

type badgerAdapter struct {
	logger *slog.Logger
}

func (b *badgerAdapter) Errorf(format string, args ...interface{}) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func (b *badgerAdapter) Warningf(format string, args ...interface{}) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b *badgerAdapter) Infof(string, ...interface{}) {}

func (b *badgerAdapter) Debugf(string, ...interface{}) {}
