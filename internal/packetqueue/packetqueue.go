// Package packetqueue implements PacketQueue (spec.md §4.9): a bounded,
// DTS-ordered queue of avmedia.MuxPacket with a latency bound and a
// never-drop-audio eviction policy, safe for multiple producers and one
// consumer. Grounded on prism's use of container/heap-style ordered
// delivery plus a short mutex critical section (prism's ingest pipeline
// favors short critical sections over lock-free structures for queues
// this size); ordering comparator is mux.Less.
package packetqueue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"

	"github.com/zsiec/deskstream/internal/avmedia"
	"github.com/zsiec/deskstream/internal/mux"
)

// Drop reasons returned by TryPush when a packet is rejected.
const (
	ReasonNone              = ""
	ReasonBackpressure      = "backpressure_non_keyframe"
	ReasonFullNoDroppable   = "full_no_droppable_packet"
	ReasonQueueNotOpen      = "queue_not_open"
)

// Params bounds the queue per spec.md §8 defaults.
type Params struct {
	MaxPackets    int
	MaxLatencyMs  int64
}

// DefaultParams returns spec.md's documented defaults.
func DefaultParams() Params {
	return Params{MaxPackets: 100, MaxLatencyMs: 2000}
}

// pqHeap is a container/heap.Interface over avmedia.MuxPacket ordered
// by mux.Less ((dts_us, stream_priority), audio preferred on ties).
type pqHeap []avmedia.MuxPacket

func (h pqHeap) Len() int            { return len(h) }
func (h pqHeap) Less(i, j int) bool  { return mux.Less(h[i], h[j]) }
func (h pqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pqHeap) Push(x any)         { *h = append(*h, x.(avmedia.MuxPacket)) }
func (h *pqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is PacketQueue: multi-producer/single-consumer, bounded by
// count and by DTS span between the oldest and newest queued packet.
type Queue struct {
	log    *slog.Logger
	params Params

	mu            sync.Mutex
	notEmpty      chan struct{}
	heap          pqHeap
	backpressure  bool
	droppedVideo  int64
	droppedAudio  int64
}

// New builds an empty Queue.
func New(params Params) *Queue {
	if params.MaxPackets <= 0 {
		params.MaxPackets = 100
	}
	if params.MaxLatencyMs <= 0 {
		params.MaxLatencyMs = 2000
	}
	return &Queue{
		log:      slog.With("component", "packetqueue"),
		params:   params,
		notEmpty: make(chan struct{}, 1),
	}
}

// TryPush implements the Sink contract consumed by flvmux.Muxer.
// Accepting a packet that would push the head-to-tail DTS span over
// max_latency_ms puts the queue into backpressure and rejects video
// non-keyframes (spec.md §4.9); audio is never rejected for latency and
// never evicted. When the queue is full by count and holds no droppable
// packet, the incoming packet is rejected whatever its stream, audio
// included.
func (q *Queue) TryPush(pkt avmedia.MuxPacket) (accepted bool, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.wouldExceedLatency(pkt) {
		q.backpressure = true
		if pkt.Stream == avmedia.StreamVideo && !pkt.IsKeyframe {
			q.droppedVideo++
			return false, ReasonBackpressure
		}
	} else if len(q.heap) < q.backlogHighWater() {
		q.backpressure = false
	}

	if len(q.heap) >= q.params.MaxPackets {
		if !q.evictOldestDroppable() {
			if pkt.Stream == avmedia.StreamAudio {
				q.droppedAudio++ // should never happen: P9 invariant violated if it does
			} else {
				q.droppedVideo++
			}
			return false, ReasonFullNoDroppable
		}
	}

	heap.Push(&q.heap, pkt)
	q.signal()
	return true, ReasonNone
}

// backlogHighWater is the count threshold below which backpressure
// clears even if the last push was still near the latency bound; kept
// at the full capacity since count and latency are independent bounds.
func (q *Queue) backlogHighWater() int { return q.params.MaxPackets }

func (q *Queue) wouldExceedLatency(pkt avmedia.MuxPacket) bool {
	if len(q.heap) == 0 {
		return false
	}
	head := q.heap[0].DTSUs
	span := pkt.DTSUs - head
	if span < 0 {
		span = -span
	}
	return span > q.params.MaxLatencyMs*1000
}

// evictOldestDroppable removes the oldest video non-keyframe packet,
// preferring age (smallest DTS among non-keyframe video packets).
// Reports whether an eviction happened.
func (q *Queue) evictOldestDroppable() bool {
	bestIdx := -1
	var bestDTS int64
	for i, p := range q.heap {
		if p.Stream != avmedia.StreamVideo || p.IsKeyframe {
			continue
		}
		if bestIdx == -1 || p.DTSUs < bestDTS {
			bestIdx, bestDTS = i, p.DTSUs
		}
	}
	if bestIdx == -1 {
		return false
	}
	heap.Remove(&q.heap, bestIdx)
	q.droppedVideo++
	return true
}

func (q *Queue) signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Pop blocks until a packet is available or ctx is done, then returns
// the packet with the smallest (dts_us, stream_priority).
func (q *Queue) Pop(ctx context.Context) (avmedia.MuxPacket, bool) {
	for {
		q.mu.Lock()
		if len(q.heap) > 0 {
			pkt := heap.Pop(&q.heap).(avmedia.MuxPacket)
			if len(q.heap) < q.backlogHighWater() {
				q.backpressure = false
			}
			q.mu.Unlock()
			return pkt, true
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-ctx.Done():
			return avmedia.MuxPacket{}, false
		}
	}
}

// LatencyMs returns (tail.dts_us - head.dts_us) / 1000, per spec.md.
func (q *Queue) LatencyMs() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0
	}
	head, tail := q.heap[0].DTSUs, q.heap[0].DTSUs
	for _, p := range q.heap {
		if p.DTSUs < head {
			head = p.DTSUs
		}
		if p.DTSUs > tail {
			tail = p.DTSUs
		}
	}
	return (tail - head) / 1000
}

// IsBackpressure reports whether the queue currently rejects video
// non-keyframes.
func (q *Queue) IsBackpressure() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backpressure
}

// Len returns the current packet count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Stats returns the cumulative drop counters.
func (q *Queue) Stats() (droppedVideo, droppedAudio int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedVideo, q.droppedAudio
}

// Clear drops every queued packet and clears backpressure, used by the
// Sender on reconnect (spec.md §4.9, §4.10).
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = nil
	q.backpressure = false
	q.log.Info("queue cleared")
}
