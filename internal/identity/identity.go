package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/lifeboat/internal/clock"
)

// ConfigKey is the node_config key holding the node identity.
const ConfigKey = "node_identity"

// DefaultPrefix is used when no node prefix is configured.
const DefaultPrefix = "node"

var prefixPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)

// ErrNotLoaded is returned by generators called before Load.
var ErrNotLoaded = errors.New("identity service not loaded")

// Store is the persistence the identity service needs.
type Store interface {
	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfigIfAbsent(ctx context.Context, key, value string) (string, error)
	LatestHLC(ctx context.Context) (string, error)
}

// Service owns the node identity and the node's hybrid logical clock.
// It is the only holder of process-wide mutable identity state; every
// other component receives it by injection.
//
// Call Load once at process start before generating ids or timestamps.
type Service struct {
	store  Store
	prefix string
	gate   clock.Gate
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	nodeID string
	hlc    *clock.HLC
}

// NewService creates an unloaded identity service. A nil logger discards
// log output.
func NewService(store Store, prefix string, gate clock.Gate, logger *zap.SugaredLogger) *Service {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{store: store, prefix: prefix, gate: gate, logger: logger}
}

// Load reads the persisted node identity, generating and persisting one if
// the storage is fresh, and seeds the clock from the newest stored HLC.
func (s *Service) Load(ctx context.Context) error {
	if !prefixPattern.MatchString(s.prefix) {
		return fmt.Errorf("invalid node prefix %q", s.prefix)
	}

	nodeID, ok, err := s.store.GetConfig(ctx, ConfigKey)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if !ok {
		candidate, err := newNodeID(s.prefix)
		if err != nil {
			return fmt.Errorf("generate identity: %w", err)
		}
		nodeID, err = s.store.SetConfigIfAbsent(ctx, ConfigKey, candidate)
		if err != nil {
			return fmt.Errorf("persist identity: %w", err)
		}
		if nodeID == candidate {
			s.logger.Infow("generated node identity", "node_identity", nodeID)
		}
	}

	hlc := clock.NewHLC(nodeID, s.gate)
	last, err := s.store.LatestHLC(ctx)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if err := hlc.Seed(last); err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	s.mu.Lock()
	s.nodeID = nodeID
	s.hlc = hlc
	s.mu.Unlock()

	s.logger.Infow("identity loaded", "node_identity", nodeID, "last_hlc", last)
	return nil
}

// newNodeID formats "{prefix}-{16 hex}" from random UUID bytes.
func newNodeID(prefix string) (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return prefix + "-" + hex.EncodeToString(u[:8]), nil
}

// NodeID returns the loaded node identity, or "" before Load.
func (s *Service) NodeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeID
}

func (s *Service) clock() (*clock.HLC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hlc == nil {
		return nil, ErrNotLoaded
	}
	return s.hlc, nil
}

// NewEventID returns a time-sortable UUIDv7.
// It fails with *clock.TimeValidityError while the system clock predates
// the build epoch.
func (s *Service) NewEventID() (string, error) {
	if _, err := s.gate.Check(); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate event id: %w", err)
	}
	return id.String(), nil
}

// NextHLC returns the next timestamp of the node clock.
func (s *Service) NextHLC() (string, error) {
	c, err := s.clock()
	if err != nil {
		return "", err
	}
	return c.Now()
}

// Observe merges an HLC received from another node into the node clock.
func (s *Service) Observe(hlc string) error {
	c, err := s.clock()
	if err != nil {
		return err
	}
	return c.Observe(hlc)
}

// Now returns the gated wall-clock time.
func (s *Service) Now() (time.Time, error) {
	return s.gate.Check()
}
