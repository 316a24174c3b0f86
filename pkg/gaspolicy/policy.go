// Package gaspolicy implements the experimental gas schedule under study:
// a uniform multiplier over opcode, intrinsic, memory, and precompile
// costs, with a fixed exemption list for hardcoded stipend literals.
package gaspolicy

import (
	"fmt"
	"math"
)

// DefaultStipendLiteral is the canonical 2300 call-stipend constant
// historically passed as a literal gas argument by the transfer path.
const DefaultStipendLiteral = 2300

// Options configures a Policy. Zero-value fields are filled with their
// documented defaults by New.
type Options struct {
	// GasMultiplier scales opcode/intrinsic/memory/precompile costs.
	GasMultiplier uint64
	// RefundMultiplier scales gas refunds.
	RefundMultiplier float64
	// StipendMultiplier scales literals in ExemptLiterals.
	StipendMultiplier float64
	// GasLimitMultiplier scales the per-transaction gas limit for the
	// experimental pass. Defaults to GasMultiplier when zero.
	GasLimitMultiplier uint64
	// ExemptLiterals is the set of gas-argument literals exempted from
	// GasMultiplier and instead scaled by StipendMultiplier.
	ExemptLiterals map[uint64]struct{}
}

// Policy is the immutable experimental gas schedule.
type Policy struct {
	gasMultiplier      uint64
	refundMultiplier   float64
	stipendMultiplier  float64
	gasLimitMultiplier uint64
	exemptLiterals     map[uint64]struct{}
}

// New validates opts and returns an immutable Policy, filling in defaults
// for any zero-value field.
func New(opts Options) (*Policy, error) {
	p := &Policy{
		gasMultiplier:      opts.GasMultiplier,
		refundMultiplier:   opts.RefundMultiplier,
		stipendMultiplier:  opts.StipendMultiplier,
		gasLimitMultiplier: opts.GasLimitMultiplier,
	}

	if p.gasMultiplier == 0 {
		p.gasMultiplier = 128
	}

	if p.gasMultiplier < 1 {
		return nil, fmt.Errorf("gaspolicy: gas_multiplier must be >= 1, got %d", p.gasMultiplier)
	}

	if p.refundMultiplier == 0 {
		p.refundMultiplier = 1.0
	}

	if p.refundMultiplier < 0 {
		return nil, fmt.Errorf("gaspolicy: refund_multiplier must be >= 0, got %f", p.refundMultiplier)
	}

	if p.stipendMultiplier == 0 {
		p.stipendMultiplier = 1.0
	}

	if p.stipendMultiplier < 0 {
		return nil, fmt.Errorf("gaspolicy: stipend_multiplier must be >= 0, got %f", p.stipendMultiplier)
	}

	if p.gasLimitMultiplier == 0 {
		p.gasLimitMultiplier = p.gasMultiplier
	}

	if p.gasLimitMultiplier < 1 {
		return nil, fmt.Errorf("gaspolicy: gas_limit_multiplier must be >= 1, got %d", p.gasLimitMultiplier)
	}

	p.exemptLiterals = make(map[uint64]struct{}, len(opts.ExemptLiterals)+1)

	if len(opts.ExemptLiterals) == 0 {
		p.exemptLiterals[DefaultStipendLiteral] = struct{}{}
	} else {
		for lit := range opts.ExemptLiterals {
			p.exemptLiterals[lit] = struct{}{}
		}
	}

	return p, nil
}

// GasMultiplier returns the configured opcode/intrinsic/memory multiplier.
func (p *Policy) GasMultiplier() uint64 { return p.gasMultiplier }

// GasLimitMultiplier returns the configured per-transaction gas-limit multiplier.
func (p *Policy) GasLimitMultiplier() uint64 { return p.gasLimitMultiplier }

// IsExemptLiteral reports whether lit is in the fixed exemption list.
func (p *Policy) IsExemptLiteral(lit uint64) bool {
	_, ok := p.exemptLiterals[lit]

	return ok
}

// Apply returns the effective cost for a step whose base cost is baseCost.
// literal, when non-nil, is the gas-argument literal observed at the call
// site (e.g. a hardcoded 2300 stipend); when it matches the exemption
// list, the literal itself (not baseCost) is scaled by StipendMultiplier
// instead of GasMultiplier.
func (p *Policy) Apply(baseCost uint64, literal *uint64) uint64 {
	if literal != nil {
		if _, exempt := p.exemptLiterals[*literal]; exempt {
			return roundUint64(float64(*literal) * p.stipendMultiplier)
		}
	}

	return baseCost * p.gasMultiplier
}

// ApplyRefund scales a refund amount by RefundMultiplier.
func (p *Policy) ApplyRefund(refund uint64) uint64 {
	return roundUint64(float64(refund) * p.refundMultiplier)
}

// InflateGasLimit scales a transaction gas limit by GasLimitMultiplier.
func (p *Policy) InflateGasLimit(limit uint64) uint64 {
	return limit * p.gasLimitMultiplier
}

func roundUint64(v float64) uint64 {
	return uint64(math.Round(v))
}
