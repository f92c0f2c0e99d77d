package poll

import (
	"strings"

	"github.com/gatewatch/gatewatch/types"
)

// chainPrefixes are the note annotations that carry a proxy chain. The
// gateway writes free text; only the prefix and the arrow separators are
// stable.
var chainPrefixes = []string{
	"Proxy chain: ",
	"Proxy Chain: ",
}

// chainSeparators in observed note formats, most specific first.
var chainSeparators = []string{" → ", " -> ", " > "}

// chainFromRequest reconstructs the proxy chain for a poll entry,
// outermost selector first. Notes are authoritative when one carries a
// chain annotation; otherwise the policy-name pair is the best available
// approximation. The result always has at least one hop.
func chainFromRequest(r *types.PollRequest) []string {
	for _, note := range r.Notes {
		if chain := parseChainNote(note); len(chain) > 0 {
			return chain
		}
	}
	return policyChain(r)
}

// parseChainNote extracts hops from one "Proxy chain: A → B" style note.
func parseChainNote(note string) []string {
	note = strings.TrimSpace(note)

	var rest string
	for _, prefix := range chainPrefixes {
		if strings.HasPrefix(note, prefix) {
			rest = strings.TrimSpace(strings.TrimPrefix(note, prefix))
			break
		}
	}
	if rest == "" {
		return nil
	}

	for _, sep := range chainSeparators {
		if strings.Contains(rest, sep) {
			return splitHops(rest, sep)
		}
	}
	// Single-hop chain note.
	return []string{rest}
}

func splitHops(s, sep string) []string {
	parts := strings.Split(s, sep)
	hops := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			hops = append(hops, p)
		}
	}
	return hops
}

// policyChain falls back to [originalPolicyName, policyName], dropping
// duplicates and blanks. An entry with no policy at all is DIRECT.
func policyChain(r *types.PollRequest) []string {
	var chain []string
	if r.OriginalPolicyName != "" {
		chain = append(chain, r.OriginalPolicyName)
	}
	if r.PolicyName != "" && r.PolicyName != r.OriginalPolicyName {
		chain = append(chain, r.PolicyName)
	}
	if len(chain) == 0 {
		return []string{"DIRECT"}
	}
	return chain
}
