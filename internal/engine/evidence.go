package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"escrowline/internal/apperr"
	"escrowline/internal/storage"
)

func deliverableEvidencePrefix(ownerID, contractID, workerID string) string {
	return fmt.Sprintf("deliverables/%s/%s/%s/", ownerID, contractID, workerID)
}

func disputeEvidencePrefix(ownerID, contractID string) string {
	return fmt.Sprintf("disputes/%s/%s/", ownerID, contractID)
}

// checkEvidence normalizes paths, requires each to live under prefix and to
// exist in the evidence store. Duplicates are dropped.
func (e Engine) checkEvidence(ctx context.Context, prefix string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, raw := range paths {
		p, err := storage.CleanPath(raw)
		if err != nil || !strings.HasPrefix(p, prefix) {
			return nil, apperr.InvalidArgument("evidence_path_invalid", fmt.Sprintf("evidence %q must be under %s", raw, prefix)).
				WithDetails(map[string]any{"path": raw, "prefix": prefix})
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		if e.Evidence != nil {
			if _, err := e.Evidence.Stat(ctx, p); err != nil {
				if errors.Is(err, storage.ErrNotExist) {
					return nil, apperr.InvalidArgument("evidence_missing", fmt.Sprintf("evidence %q not found", p)).
						WithDetails(map[string]any{"path": p})
				}
				return nil, apperr.Internal("evidence_unavailable", "stat evidence", err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func validatePostURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if raw == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", apperr.InvalidArgument("invalid_post_url", "post_url must be an absolute http(s) URL")
	}
	return u.String(), nil
}
