package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/polis-defense/pkg/domain"
)

// ValidateProfile checks the profile envelope and its graph. Structural graph errors
// come first, followed by settings and signature attachment problems.
func ValidateProfile(p *domain.DefenseProfile, opts Options) error {
	if p == nil {
		return &domain.ValidationError{Errors: []string{"profile is empty"}}
	}

	var verr domain.ValidationError
	if err := Validate(p.Graph, opts); err != nil {
		var graphErr *domain.ValidationError
		if !errors.As(err, &graphErr) {
			return err
		}
		verr = *graphErr
	}

	if strings.TrimSpace(p.ID) == "" {
		verr.Errors = append(verr.Errors, "profile has no id")
	}
	if p.Settings.DefaultAction != "" && !p.Settings.DefaultAction.Valid() {
		verr.Errors = append(verr.Errors, fmt.Sprintf("settings: unknown default_action %q", p.Settings.DefaultAction))
	}
	if p.Settings.MaxExecutionTimeMS < 0 {
		verr.Errors = append(verr.Errors, fmt.Sprintf("settings: max_execution_time_ms %d is negative", p.Settings.MaxExecutionTimeMS))
	}
	if p.AttackSignatures != nil {
		seen := make(map[string]struct{}, len(p.AttackSignatures.Items))
		for _, item := range p.AttackSignatures.Items {
			if strings.TrimSpace(item.SignatureID) == "" {
				verr.Errors = append(verr.Errors, "attack_signatures: item has no signature_id")
				continue
			}
			if _, dup := seen[item.SignatureID]; dup {
				verr.Errors = append(verr.Errors, fmt.Sprintf("attack_signatures: duplicate signature_id %q", item.SignatureID))
			}
			seen[item.SignatureID] = struct{}{}
		}
	}

	if len(verr.Errors) == 0 {
		return nil
	}
	return &verr
}
