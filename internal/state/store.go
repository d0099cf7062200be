package state

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidMutation is returned when a mutation would leave the store inconsistent
var ErrInvalidMutation = errors.New("invalid mutation")

// Mutation is the unit of work committed for one lending operation.
// Every non-nil record becomes visible together or not at all.
type Mutation struct {
	Vault       *Vault
	Position    *Position
	Liquidation *LiquidationRecord
}

// Store holds the vault registry, the position ledger and the liquidation log.
// Not thread-safe: owned by the single-threaded deterministic core.
type Store struct {
	vaults       map[VaultKey]*Vault
	positions    map[PositionKey]*Position
	byVault      map[VaultKey][]PositionKey
	liquidations []LiquidationRecord
}

func NewStore() *Store {
	return &Store{
		vaults:    make(map[VaultKey]*Vault),
		positions: make(map[PositionKey]*Position),
		byVault:   make(map[VaultKey][]PositionKey),
	}
}

// Vault returns a copy of the vault record
func (s *Store) Vault(key VaultKey) (Vault, bool) {
	v, ok := s.vaults[key]
	if !ok {
		return Vault{}, false
	}
	return *v, true
}

// Position returns a copy of the position record
func (s *Store) Position(key PositionKey) (Position, bool) {
	p, ok := s.positions[key]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// PositionsByVault returns copies of every position in the vault, in creation order
func (s *Store) PositionsByVault(key VaultKey) []Position {
	keys := s.byVault[key]
	out := make([]Position, 0, len(keys))
	for _, k := range keys {
		out = append(out, *s.positions[k])
	}
	return out
}

// AllVaults returns copies of every vault sorted by key
func (s *Store) AllVaults() []Vault {
	out := make([]Vault, 0, len(s.vaults))
	for _, v := range s.vaults {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// AllPositions returns copies of every position sorted by key
func (s *Store) AllPositions() []Position {
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Liquidations returns the liquidation log in commit order
func (s *Store) Liquidations() []LiquidationRecord {
	out := make([]LiquidationRecord, len(s.liquidations))
	copy(out, s.liquidations)
	return out
}

// Validate reports whether m could be committed against the current state
func (s *Store) Validate(m Mutation) error {
	return s.check(m)
}

// Commit validates every record of m, then writes them all.
func (s *Store) Commit(m Mutation) error {
	if err := s.check(m); err != nil {
		return err
	}

	if m.Vault != nil {
		v := *m.Vault
		s.vaults[v.Key] = &v
	}
	if m.Position != nil {
		s.putPosition(*m.Position)
	}
	if m.Liquidation != nil {
		s.liquidations = append(s.liquidations, *m.Liquidation)
	}
	return nil
}

func (s *Store) check(m Mutation) error {
	if m.Vault == nil && m.Position == nil && m.Liquidation == nil {
		return fmt.Errorf("%w: empty mutation", ErrInvalidMutation)
	}

	if m.Vault != nil {
		if err := m.Vault.validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMutation, err)
		}
		if cur, ok := s.vaults[m.Vault.Key]; ok {
			if cur.CollateralRatioBps != m.Vault.CollateralRatioBps || cur.StableAsset != m.Vault.StableAsset {
				return fmt.Errorf("%w: vault %s parameters are immutable", ErrInvalidMutation, m.Vault.Key)
			}
			if cur.Status != m.Vault.Status && !cur.Status.CanTransitionTo(m.Vault.Status) {
				return fmt.Errorf("%w: vault %s cannot move %s -> %s",
					ErrInvalidMutation, m.Vault.Key, cur.Status, m.Vault.Status)
			}
		}
	}

	if m.Position != nil {
		if err := m.Position.validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMutation, err)
		}
		vaultKey := m.Position.Key.Vault
		if m.Vault != nil && m.Vault.Key != vaultKey {
			return fmt.Errorf("%w: position %s committed with vault %s",
				ErrInvalidMutation, m.Position.Key, m.Vault.Key)
		}
		if _, ok := s.vaults[vaultKey]; !ok && m.Vault == nil {
			return fmt.Errorf("%w: position %s references unknown vault", ErrInvalidMutation, m.Position.Key)
		}
		if cur, ok := s.positions[m.Position.Key]; ok && !cur.Status.CanTransitionTo(m.Position.Status) {
			return fmt.Errorf("%w: position %s cannot move %s -> %s",
				ErrInvalidMutation, m.Position.Key, cur.Status, m.Position.Status)
		}
	}

	if m.Liquidation != nil {
		if m.Position == nil || m.Position.Key != m.Liquidation.Position {
			return fmt.Errorf("%w: liquidation record without its position", ErrInvalidMutation)
		}
		if !m.Position.IsEmpty() {
			return fmt.Errorf("%w: liquidated position %s is not empty", ErrInvalidMutation, m.Position.Key)
		}
	}

	return nil
}

func (s *Store) putPosition(p Position) {
	if _, exists := s.positions[p.Key]; !exists {
		s.byVault[p.Key.Vault] = append(s.byVault[p.Key.Vault], p.Key)
	}
	s.positions[p.Key] = &p
}

// CheckAggregates verifies the vault totals equal the sum over its positions
func (s *Store) CheckAggregates(key VaultKey) error {
	v, ok := s.vaults[key]
	if !ok {
		return fmt.Errorf("vault %s not found", key)
	}

	var value, borrowed int64
	for _, pk := range s.byVault[key] {
		p := s.positions[pk]
		value += p.CollateralValue
		borrowed += p.BorrowedAmount
	}

	if value != v.TotalCollateralValue || borrowed != v.TotalBorrowed {
		return fmt.Errorf("vault %s aggregates drifted: value %d != %d or borrowed %d != %d",
			key, v.TotalCollateralValue, value, v.TotalBorrowed, borrowed)
	}
	return nil
}

// CheckAllAggregates runs CheckAggregates over every vault
func (s *Store) CheckAllAggregates() error {
	for _, v := range s.AllVaults() {
		if err := s.CheckAggregates(v.Key); err != nil {
			return err
		}
	}
	return nil
}

// --- Restore ---

func (s *Store) RestoreVault(v Vault) {
	s.vaults[v.Key] = &v
}

func (s *Store) RestorePosition(p Position) {
	s.putPosition(p)
}

func (s *Store) RestoreLiquidation(r LiquidationRecord) {
	s.liquidations = append(s.liquidations, r)
}
