// Package gate decides whether an inbound message is admitted. The decision
// is a pure function of the sender, the stamp value the transport measured,
// the blacklist and the stamp policy.
package gate

type Reason string

const (
	ReasonNone         Reason = ""
	ReasonBlacklisted  Reason = "blacklisted"
	ReasonInvalidStamp Reason = "invalid_stamp"
)

// Policy mirrors the stamp settings of the configuration.
type Policy struct {
	StampCostEnabled    bool
	StampCost           int
	IgnoreInvalidStamps bool
}

// Enforced reports whether stamps are checked at all.
func (p Policy) Enforced() bool {
	return p.StampCostEnabled && p.StampCost > 0
}

type Candidate struct {
	Source    string
	StampBits int
}

type Verdict struct {
	Accept     bool
	Reason     Reason
	StampValid bool
}

// Membership is the read side of a blacklist.
type Membership interface {
	Contains(address string) bool
}

// Check applies, in order: blacklist, then stamp policy. A message whose
// stamp falls short is dropped only when the policy ignores invalid stamps;
// otherwise it is admitted and marked.
func Check(c Candidate, bl Membership, p Policy) Verdict {
	if bl != nil && bl.Contains(c.Source) {
		return Verdict{Reason: ReasonBlacklisted}
	}
	if !p.Enforced() || c.StampBits >= p.StampCost {
		return Verdict{Accept: true, StampValid: true}
	}
	if p.IgnoreInvalidStamps {
		return Verdict{Reason: ReasonInvalidStamp}
	}
	return Verdict{Accept: true, Reason: ReasonInvalidStamp, StampValid: false}
}
