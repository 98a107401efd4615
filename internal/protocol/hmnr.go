package protocol

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/linkflow/stream/internal/checkpoint"
)

// DefaultThreshold is the clock distance from the last checkpoint after which
// a delivery forces a checkpoint.
const DefaultThreshold = 64

// PeerClock is the clock state kept for one peer instance.
type PeerClock struct {
	Send           uint64
	Recv           uint64
	Baseline       uint64
	SentTo         bool
	TakenSinceSend bool
	Known          uuid.UUID
}

type HMNRConfig struct {
	// Threshold of 0 disables the clock distance rule.
	Threshold uint64
	Logger    *slog.Logger
}

func DefaultHMNRConfig() HMNRConfig {
	return HMNRConfig{Threshold: DefaultThreshold}
}

// HMNR decides per delivered message whether a checkpoint must be forced
// before the payload reaches the operator.
type HMNR struct {
	tracker   *checkpoint.Tracker
	threshold uint64
	logger    *slog.Logger

	mu    sync.Mutex
	self  string
	peers map[string]*PeerClock
}

// NewHMNR creates the protocol. The tracker supplies the instance's own last checkpoint.
func NewHMNR(tracker *checkpoint.Tracker, config HMNRConfig) *HMNR {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &HMNR{
		tracker:   tracker,
		threshold: config.Threshold,
		logger:    config.Logger,
	}
}

// InitializeClocks resets all clocks for the roster. Coordinator instances
// never exchange data messages and are left out.
func (h *HMNR) InitializeClocks(self string, instances []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.self = self
	h.peers = map[string]*PeerClock{self: {}}
	for _, name := range instances {
		if strings.Contains(name, "coordinator") {
			continue
		}
		h.peers[name] = &PeerClock{}
	}
	h.logger.Info("hmnr clocks initialized",
		slog.Int("peers", len(h.peers)),
		slog.Uint64("threshold", h.threshold),
	)
}

// BeforeSend stamps an outbound message to instance to.
func (h *HMNR) BeforeSend(to string) (Piggyback, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	peer, err := h.peer(to)
	if err != nil {
		return Piggyback{}, err
	}

	peer.Send++
	p := Piggyback{
		Clock:      peer.Send,
		Checkpoint: h.ownCheckpoint(),
		Taken:      peer.TakenSinceSend,
	}
	peer.TakenSinceSend = false
	peer.SentTo = true
	return p, nil
}

// CheckCheckpointCondition reports whether a checkpoint must be taken before
// delivering a message from instance from carrying p.
func (h *HMNR) CheckCheckpointCondition(from string, p Piggyback) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	peer, err := h.peer(from)
	if err != nil {
		return false, err
	}

	if h.threshold > 0 && p.Clock > peer.Baseline && p.Clock-peer.Baseline > h.threshold {
		h.logger.Debug("clock distance exceeds threshold",
			slog.String("from", from),
			slog.Uint64("clock", p.Clock),
			slog.Uint64("baseline", peer.Baseline),
		)
		return true, nil
	}

	newCheckpoint := p.Checkpoint != peer.Known
	if p.Taken && peer.SentTo && newCheckpoint {
		return true, nil
	}
	if newCheckpoint && peer.Known != uuid.Nil && h.sentSinceCheckpoint() {
		return true, nil
	}
	return false, nil
}

// BeforeDeliver records the delivery, whether or not a checkpoint was forced.
func (h *HMNR) BeforeDeliver(from string, p Piggyback) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	peer, err := h.peer(from)
	if err != nil {
		return err
	}
	if p.Clock > peer.Recv {
		peer.Recv = p.Clock
	}
	peer.Known = p.Checkpoint
	return nil
}

func (h *HMNR) BeforeCheckpoint() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.peers == nil {
		return ErrNotInitialized
	}
	return nil
}

// AfterCheckpoint starts a new checkpoint interval.
func (h *HMNR) AfterCheckpoint() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, peer := range h.peers {
		peer.SentTo = false
		peer.TakenSinceSend = true
		peer.Baseline = peer.Recv
	}
}

// Clock returns a copy of the clock state kept for peer.
func (h *HMNR) Clock(peer string) (PeerClock, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.peers[peer]
	if !ok {
		return PeerClock{}, false
	}
	return *c, true
}

// Peers lists the roster in lexical order.
func (h *HMNR) Peers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.peers))
	for name := range h.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type hmnrState struct {
	Self  string
	Peers map[string]PeerClock
}

func (h *HMNR) CaptureState() ([]byte, error) {
	h.mu.Lock()
	state := hmnrState{Self: h.self, Peers: make(map[string]PeerClock, len(h.peers))}
	for name, c := range h.peers {
		state.Peers[name] = *c
	}
	h.mu.Unlock()

	return checkpoint.EncodeState(state)
}

func (h *HMNR) RestoreState(data []byte) error {
	var state hmnrState
	if err := checkpoint.DecodeState(data, &state); err != nil {
		return fmt.Errorf("hmnr: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.self = state.Self
	h.peers = make(map[string]*PeerClock, len(state.Peers))
	for name, c := range state.Peers {
		c := c
		h.peers[name] = &c
	}
	return nil
}

func (h *HMNR) peer(name string) (*PeerClock, error) {
	if h.peers == nil {
		return nil, ErrNotInitialized
	}
	peer, ok := h.peers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, name)
	}
	return peer, nil
}

func (h *HMNR) sentSinceCheckpoint() bool {
	for _, peer := range h.peers {
		if peer.SentTo {
			return true
		}
	}
	return false
}

func (h *HMNR) ownCheckpoint() uuid.UUID {
	if h.tracker == nil {
		return uuid.Nil
	}
	id, _ := h.tracker.Latest(h.self)
	return id
}
