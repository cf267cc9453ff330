// Package diag explains why a peer connection could not be established.
package diag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

type NATType string

const (
	NATUnknown   NATType = "unknown"
	NATNone      NATType = "direct (host candidates only)"
	NATCone      NATType = "behind NAT (server-reflexive candidates)"
	NATSymmetric NATType = "symmetric NAT (relay candidates required)"
)

// InferNAT maps the candidate types seen during a call onto a NAT class.
func InferNAT(types []webrtc.ICECandidateType) NATType {
	var host, srflx, relay bool
	for _, t := range types {
		switch t {
		case webrtc.ICECandidateTypeHost:
			host = true
		case webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx:
			srflx = true
		case webrtc.ICECandidateTypeRelay:
			relay = true
		}
	}
	switch {
	case relay:
		return NATSymmetric
	case srflx:
		return NATCone
	case host:
		return NATNone
	}
	return NATUnknown
}

// CandidateType parses an a=candidate line (with or without the
// "candidate:" prefix) and returns its type.
func CandidateType(candidate string) (webrtc.ICECandidateType, error) {
	c, err := ice.UnmarshalCandidate(strings.TrimPrefix(candidate, "candidate:"))
	if err != nil {
		return webrtc.ICECandidateTypeUnknown, err
	}
	switch c.Type() {
	case ice.CandidateTypeHost:
		return webrtc.ICECandidateTypeHost, nil
	case ice.CandidateTypeServerReflexive:
		return webrtc.ICECandidateTypeSrflx, nil
	case ice.CandidateTypePeerReflexive:
		return webrtc.ICECandidateTypePrflx, nil
	case ice.CandidateTypeRelay:
		return webrtc.ICECandidateTypeRelay, nil
	}
	return webrtc.ICECandidateTypeUnknown, fmt.Errorf("unknown candidate type %s", c.Type())
}

// Report is the outcome of a diagnosis. String is never empty.
type Report struct {
	STUN           []ProbeResult
	NAT            NATType
	CandidateTypes []webrtc.ICECandidateType
}

func (r Report) STUNReachable() bool {
	for _, p := range r.STUN {
		if p.Err == nil {
			return true
		}
	}
	return false
}

func (r Report) String() string {
	var b strings.Builder
	switch {
	case len(r.STUN) == 0:
		b.WriteString("no STUN servers probed")
	case r.STUNReachable():
		b.WriteString("STUN reachable")
		for _, p := range r.STUN {
			if p.Err == nil && p.Mapped != "" {
				fmt.Fprintf(&b, " (mapped %s)", p.Mapped)
				break
			}
		}
	default:
		b.WriteString("STUN unreachable (UDP blocked?)")
	}
	fmt.Fprintf(&b, "; NAT: %s", r.NAT)

	if len(r.CandidateTypes) > 0 {
		names := make([]string, 0, len(r.CandidateTypes))
		for _, t := range r.CandidateTypes {
			names = append(names, t.String())
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "; candidates: %s", strings.Join(names, ","))
	}
	if r.NAT == NATSymmetric || (r.NAT == NATCone && !r.STUNReachable()) {
		b.WriteString("; a TURN relay is needed for this network")
	}
	return b.String()
}

// Diagnoser produces a report for a failed connection.
type Diagnoser interface {
	Diagnose(ctx context.Context, stunURLs []string, observed []webrtc.ICECandidateType) Report
}

// Network is the production Diagnoser.
type Network struct {
	Prober *STUNProber
}

func NewNetwork() *Network {
	return &Network{Prober: NewSTUNProber()}
}

func (n *Network) Diagnose(ctx context.Context, stunURLs []string, observed []webrtc.ICECandidateType) Report {
	report := Report{
		NAT:            InferNAT(observed),
		CandidateTypes: dedupe(observed),
	}
	for _, u := range stunURLs {
		report.STUN = append(report.STUN, n.Prober.Probe(ctx, u))
	}
	return report
}

func dedupe(types []webrtc.ICECandidateType) []webrtc.ICECandidateType {
	seen := make(map[webrtc.ICECandidateType]bool, len(types))
	var out []webrtc.ICECandidateType
	for _, t := range types {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
