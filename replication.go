package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// instanceHeader carries the publishing instance's id so subscribers can
// filter out their own echoes without a NATS queue-group (every instance
// must see every other instance's deltas, just not its own).
const instanceHeader = "Bitmapd-Instance"

// replicationSinkBacklog sizes the local feed channel tapped from the
// change tracker's publish pass, same order of magnitude as a per-chunk
// subscriber backlog.
const replicationSinkBacklog = 1024

// ReplicationBridge mirrors locally-produced Change events to NATS and
// applies remotely-received ones to the local store. It is always non-nil;
// when no NATS URL is configured, its methods are no-ops so callers never
// need a nil check.
type ReplicationBridge struct {
	enabled    bool
	instanceID string

	conn  *nats.Conn
	sub   *nats.Subscription
	store *Store
	pool  *WorkerPool

	limiter *rate.Limiter
	sink    chan Change

	logger zerolog.Logger
}

// NewReplicationBridge connects to NATS if settings.ReplicationNATSURL is
// set. Connection failure is logged and the bridge falls back to disabled
// rather than aborting startup — replication is an optional scaling
// feature, not part of the correctness core.
func NewReplicationBridge(settings *Settings, store *Store, logger zerolog.Logger) *ReplicationBridge {
	b := &ReplicationBridge{
		store:      store,
		logger:     logger,
		instanceID: settings.ReplicationInstance,
	}
	if settings.ReplicationNATSURL == "" {
		return b
	}
	if b.instanceID == "" {
		b.instanceID = fmt.Sprintf("bitmapd-%d", time.Now().UnixNano())
	}

	conn, err := nats.Connect(settings.ReplicationNATSURL, nats.MaxReconnects(5), nats.ReconnectWait(2*time.Second))
	if err != nil {
		logger.Warn().Err(err).Str("url", settings.ReplicationNATSURL).Msg("replication bridge: NATS connect failed, disabling replication")
		return b
	}

	b.conn = conn
	b.enabled = true
	b.limiter = rate.NewLimiter(rate.Limit(settings.ReplicationRateHz), int(settings.ReplicationRateHz))
	b.sink = make(chan Change, replicationSinkBacklog)
	b.pool = NewWorkerPool(2)

	sysReplicationConnected.Set(1)
	logger.Info().Str("url", settings.ReplicationNATSURL).Str("instance_id", b.instanceID).Msg("replication bridge connected")
	return b
}

// Start wires the tracker's sink and begins the outbound publish loop plus
// the inbound subscription. No-op when disabled.
func (b *ReplicationBridge) Start(ctx context.Context) error {
	if !b.enabled {
		return nil
	}
	b.store.SetReplicationSink(b.sink)
	b.pool.Start(ctx)

	sub, err := b.conn.Subscribe(replicationSubjectWildcard, func(msg *nats.Msg) {
		if msg.Header.Get(instanceHeader) == b.instanceID {
			return // our own echo
		}
		b.pool.Submit(func() { b.applyInbound(msg) })
	})
	if err != nil {
		return fmt.Errorf("replication bridge: subscribe failed: %w", err)
	}
	b.sub = sub

	go b.publishLoop(ctx)
	return nil
}

// publishLoop drains the tracker's sink and republishes each Change to
// NATS, throttled by the outbound limiter — an aggregate, system-level
// cap on replication traffic, never a per-client limit.
func (b *ReplicationBridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-b.sink:
			if err := b.limiter.Wait(ctx); err != nil {
				return
			}
			chunk := uint32((uint64(change.ByteOffset) * 8) / BitsPerChunk)
			subject := chunkDeltaSubject(chunk)

			payload := make([]byte, 4+UpdateChunkBytes)
			binary.LittleEndian.PutUint32(payload[0:4], change.ByteOffset)
			copy(payload[4:], change.Bytes[:])

			msg := nats.NewMsg(subject)
			msg.Header.Set(instanceHeader, b.instanceID)
			msg.Data = payload
			if err := b.conn.PublishMsg(msg); err != nil {
				sysReplicationDropped.Inc()
			}
		}
	}
}

func (b *ReplicationBridge) applyInbound(msg *nats.Msg) {
	if _, ok := parseChunkFromSubject(msg.Subject); !ok {
		return
	}
	if len(msg.Data) != 4+UpdateChunkBytes {
		return
	}
	offset := binary.LittleEndian.Uint32(msg.Data[0:4])
	var data [UpdateChunkBytes]byte
	copy(data[:], msg.Data[4:])
	b.store.ApplyRemoteChange(offset, data)
}

// Stop unsubscribes, stops the worker pool, and closes the NATS connection.
// No-op when disabled.
func (b *ReplicationBridge) Stop() {
	if !b.enabled {
		return
	}
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	b.pool.Stop()
	b.conn.Close()
	sysReplicationConnected.Set(0)
}
