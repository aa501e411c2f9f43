package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// FragmentFinding reports a dynamic fragment whose content pattern-matches a
// SQL injection payload. String-substitution fragments splice raw text into
// the statement, so a finding here means the legacy code is exposed wherever
// the fragment value is user-controlled.
type FragmentFinding struct {
	Fragment    string // the ${...} expression content
	Fingerprint string // libinjection fingerprint
}

// ScreenDynamicFragments runs libinjection over each dynamic fragment
// expression. Plain property references ("tableName", "order.column") never
// match; findings indicate fragments that already embed SQL text.
func ScreenDynamicFragments(fragments []string) []FragmentFinding {
	var findings []FragmentFinding
	for _, frag := range fragments {
		if frag == "" {
			continue
		}
		if isSQLi, fingerprint := libinjection.IsSQLi(frag); isSQLi {
			findings = append(findings, FragmentFinding{
				Fragment:    frag,
				Fingerprint: string(fingerprint),
			})
		}
	}
	return findings
}
