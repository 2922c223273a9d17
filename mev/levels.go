package mev

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownRiskLevel       = errors.New("unknown risk level")
	ErrUnknownProtectionLevel = errors.New("unknown protection level")
)

type RiskLevel int

const (
	RiskMinimal RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskLevelNames = []string{"minimal", "low", "medium", "high", "critical"}

func (l RiskLevel) String() string {
	if l < RiskMinimal || l > RiskCritical {
		return "unknown"
	}
	return riskLevelNames[l]
}

func (l RiskLevel) MarshalText() ([]byte, error) {
	if l < RiskMinimal || l > RiskCritical {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRiskLevel, int(l))
	}
	return []byte(l.String()), nil
}

func (l *RiskLevel) UnmarshalText(text []byte) error {
	s := strings.ToLower(string(text))
	for i, name := range riskLevelNames {
		if name == s {
			*l = RiskLevel(i)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownRiskLevel, s)
}

// ProtectionLevel is ordered, higher levels never cost less or succeed less often than lower ones.
type ProtectionLevel int

const (
	ProtectionNone ProtectionLevel = iota
	ProtectionBasic
	ProtectionStandard
	ProtectionMaximum
	ProtectionStealth
)

var protectionLevelNames = []string{"none", "basic", "standard", "maximum", "stealth"}

func ParseProtectionLevel(s string) (ProtectionLevel, error) {
	var l ProtectionLevel
	err := l.UnmarshalText([]byte(strings.TrimSpace(s)))
	return l, err
}

func (l ProtectionLevel) Valid() bool {
	return l >= ProtectionNone && l <= ProtectionStealth
}

func (l ProtectionLevel) String() string {
	if !l.Valid() {
		return "unknown"
	}
	return protectionLevelNames[l]
}

func (l ProtectionLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProtectionLevel, int(l))
	}
	return []byte(l.String()), nil
}

func (l *ProtectionLevel) UnmarshalText(text []byte) error {
	s := strings.ToLower(string(text))
	for i, name := range protectionLevelNames {
		if name == s {
			*l = ProtectionLevel(i)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownProtectionLevel, s)
}

// Method is the submission route a protected transaction must take.
type Method string

const (
	MethodPublic        Method = "public"
	MethodFeeBump       Method = "fee_bump"
	MethodPrivatePool   Method = "private_pool"
	MethodBundle        Method = "bundle"
	MethodStealthBundle Method = "stealth_bundle"
)
