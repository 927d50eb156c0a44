package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ImportRecord is one entry of an imported token.json batch file, matching
// the shape produced by the Kiro desktop client's credential export.
type ImportRecord struct {
	Provider     Provider `json:"provider"`
	Label        string   `json:"label"`
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresAt    int64    `json:"expiresAt"` // unix millis; 0 means "treat as expired"
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Priority     int      `json:"priority,omitempty"`
}

// ImportResult reports the outcome of a batch import.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// ImportBatch decodes a JSON array of ImportRecord and creates a credential
// for each valid entry. Entries with an empty or truncated refresh token are
// skipped and reported, not fatal to the batch; an unrecognized provider
// defaults to social.
func (p *Pool) ImportBatch(ctx context.Context, raw []byte) (*ImportResult, error) {
	var records []ImportRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode import batch: %w", err)
	}

	res := &ImportResult{}
	for i, rec := range records {
		if rec.RefreshToken == "" {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("record %d: missing refreshToken", i))
			continue
		}
		if rec.Provider != ProviderSocial && rec.Provider != ProviderIdC {
			rec.Provider = ProviderSocial
		}
		if isTruncatedRefreshToken(rec.RefreshToken) {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("record %d: truncated refreshToken", i))
			continue
		}

		expiresAt := time.UnixMilli(rec.ExpiresAt)
		if rec.ExpiresAt == 0 {
			expiresAt = time.Now().Add(-time.Minute) // force immediate refresh
		}
		priority := rec.Priority
		if priority == 0 {
			priority = 50
		}

		c, err := p.Create(ctx, rec.Provider, rec.Label, rec.AccessToken, rec.RefreshToken, expiresAt, priority)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		if rec.ClientID != "" || rec.ClientSecret != "" {
			c.ClientID = rec.ClientID
			c.ClientSecret = rec.ClientSecret
			if err := p.Put(ctx, c); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("record %d: store idc fields: %v", i, err))
			}
		}
		res.Imported++
	}
	return res, nil
}
