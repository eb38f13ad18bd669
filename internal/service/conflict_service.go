package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"

	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/conflict"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policyset"
	"github.com/Sentinel-Gate/policyledger/internal/metrics"
)

// DefaultConflictCacheSize bounds the detection cache.
const DefaultConflictCacheSize = 256

// ConflictReport is the analysis of one policy set.
type ConflictReport struct {
	SetID       string                `json:"set_id"`
	SetVersion  uint64                `json:"set_version"`
	Strategy    policyset.Strategy    `json:"strategy"`
	Conflicts   []conflict.Conflict   `json:"conflicts"`
	Resolutions []conflict.Resolution `json:"resolutions"`
}

// ConflictService detects and resolves conflicts between set members.
// Detection results are cached by the versions of the set and its members,
// so any event on them invalidates the entry.
type ConflictService struct {
	commands *CommandService
	cache    *ResultCache[[]conflict.Conflict]
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewConflictService creates a ConflictService. cacheSize <= 0 uses the default.
func NewConflictService(commands *CommandService, cacheSize int, m *metrics.Metrics, logger *slog.Logger) *ConflictService {
	if cacheSize <= 0 {
		cacheSize = DefaultConflictCacheSize
	}
	return &ConflictService{
		commands: commands,
		cache:    NewResultCache[[]conflict.Conflict](cacheSize),
		metrics:  m,
		logger:   logger,
	}
}

// Analyze detects the conflicts of setID and resolves them with the set's
// strategy. Under the explicit strategy unresolved conflicts are reported in
// the joined error while the report still lists every resolved one.
func (s *ConflictService) Analyze(ctx context.Context, setID string, decisions conflict.Decisions) (ConflictReport, error) {
	set, ok, err := s.commands.Sets().Load(ctx, setID)
	if err != nil {
		return ConflictReport{}, err
	}
	if !ok {
		return ConflictReport{}, fmt.Errorf("policy set %s: %w", setID, command.ErrNotFound)
	}
	policies, err := loadMembers(ctx, s.commands.Policies(), set.State.Members)
	if err != nil {
		return ConflictReport{}, err
	}

	conflicts := s.detect(set.State, set.Seq, policies)
	resolutions, err := conflict.ResolveAll(set.State, conflicts, decisions)
	return ConflictReport{
		SetID:       setID,
		SetVersion:  set.Seq,
		Strategy:    set.State.Strategy,
		Conflicts:   append([]conflict.Conflict(nil), conflicts...),
		Resolutions: resolutions,
	}, err
}

// detect returns the conflicts of an already loaded set at version seq.
// The returned slice is shared with the cache and must not be modified.
func (s *ConflictService) detect(set policyset.PolicySet, seq uint64, policies map[string]policy.Policy) []conflict.Conflict {
	key := conflictKey(set, seq, policies)
	if conflicts, hit := s.cache.Get(key); hit {
		if s.metrics != nil {
			s.metrics.ConflictCacheHits.Inc()
		}
		return conflicts
	}
	conflicts := conflict.Detect(set, policies)
	s.cache.Put(key, conflicts)
	if s.metrics != nil {
		s.metrics.ConflictsDetected.Add(float64(len(conflicts)))
	}
	s.logger.Debug("conflicts detected", "set_id", set.ID, "count", len(conflicts))
	return conflicts
}

// conflictKey hashes the set and member versions in member order.
func conflictKey(s policyset.PolicySet, seq uint64, policies map[string]policy.Policy) uint64 {
	h := xxhash.New()
	var buf [8]byte
	write := func(id string, v uint64) {
		_, _ = h.WriteString(id)
		_, _ = h.Write([]byte{0})
		binary.BigEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	write(s.ID, seq)
	for _, id := range s.Members {
		write(id, policies[id].Version)
	}
	return h.Sum64()
}

// ClearCache drops all cached detections.
func (s *ConflictService) ClearCache() { s.cache.Clear() }
