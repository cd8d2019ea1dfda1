// Package steamid handles 64-bit Steam account identifiers.
//
// A SteamID packs universe (8 bits), account type (4 bits), instance
// (20 bits) and account id (32 bits) into a single uint64. The agent only
// ever trades with individual accounts in the public universe, so the
// helpers here are limited to that shape.
package steamid

import (
	"fmt"
	"strconv"
)

// SteamID is a 64-bit Steam identifier.
type SteamID uint64

const (
	// UniversePublic is the public Steam universe.
	UniversePublic = 1
	// TypeIndividual is the account type for regular user accounts.
	TypeIndividual = 1
	// DesktopInstance is the default instance for individual accounts.
	DesktopInstance = 1
)

// New builds the SteamID of an individual public-universe account.
func New(accountID uint32) SteamID {
	return SteamID(uint64(UniversePublic)<<56 |
		uint64(TypeIndividual)<<52 |
		uint64(DesktopInstance)<<32 |
		uint64(accountID))
}

// Parse decodes a decimal 64-bit SteamID string.
func Parse(s string) (SteamID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse steamid %q: %w", s, err)
	}
	id := SteamID(v)
	if !id.IsValid() {
		return 0, fmt.Errorf("parse steamid %q: not a valid id", s)
	}
	return id, nil
}

// AccountID returns the low 32 bits.
func (s SteamID) AccountID() uint32 {
	return uint32(s & 0xFFFFFFFF)
}

// Universe returns the universe field.
func (s SteamID) Universe() int {
	return int(s >> 56)
}

// Type returns the account type field.
func (s SteamID) Type() int {
	return int((s >> 52) & 0xF)
}

// Instance returns the instance field.
func (s SteamID) Instance() int {
	return int((s >> 32) & 0xFFFFF)
}

// IsValid reports whether the id has a plausible universe, type and account id.
func (s SteamID) IsValid() bool {
	return s != 0 && s.Universe() >= UniversePublic && s.Type() > 0 && s.AccountID() != 0
}

// IsIndividual reports whether the id names a regular user account. Offers
// can only be exchanged with individual accounts, never groups, clans or
// game servers.
func (s SteamID) IsIndividual() bool {
	return s.IsValid() && s.Type() == TypeIndividual
}

// String renders the id in decimal, the form used by the trade endpoints.
func (s SteamID) String() string {
	return strconv.FormatUint(uint64(s), 10)
}
