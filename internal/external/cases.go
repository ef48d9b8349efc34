package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrNoOutbounds means the number has no outbound history to unlock
var ErrNoOutbounds = errors.New("no outbound records for number")

// CaseService resolves caller case history and manages outbound callbacks
type CaseService struct {
	client *Client
}

// NewCaseService creates the case service over the shared API client
func NewCaseService(client *Client) *CaseService {
	return &CaseService{client: client}
}

// outboundRecord is one prior outbound call row
type outboundRecord struct {
	ID       int64  `json:"id"`
	PDA      *int64 `json:"pda"`
	Worksite *int64 `json:"worksite"`
}

type outboundList struct {
	Results []outboundRecord `json:"results"`
}

type worksiteList struct {
	Results []struct {
		ID int64 `json:"id"`
	} `json:"results"`
}

// CaseSet is the raw resolution result before comma-joining
type CaseSet struct {
	IDs       []int64
	PDAs      []int64
	Worksites []int64
}

// HasAny reports whether resolution produced at least one case
func (s CaseSet) HasAny() bool {
	return len(s.IDs) > 0 || len(s.Worksites) > 0
}

// Join renders one id list as the comma-joined wire form
func Join(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// outboundsByNumber queries prior outbound calls for a caller number
func (s *CaseService) outboundsByNumber(ctx context.Context, number string) ([]outboundRecord, error) {
	var out outboundList
	query := url.Values{"phone_number": {queryNumber(number)}}
	if err := s.client.do(ctx, http.MethodGet, "/phone_outbound", query, nil, &out); err != nil {
		return nil, fmt.Errorf("query outbounds by number: %w", err)
	}
	return out.Results, nil
}

// ResolveCasesByNumber joins the caller's outbound history with direct
// worksite matches into one case set
func (s *CaseService) ResolveCasesByNumber(ctx context.Context, number, incidentID string) (CaseSet, error) {
	var cases CaseSet

	outbounds, err := s.outboundsByNumber(ctx, number)
	if err != nil {
		return cases, err
	}
	for _, rec := range outbounds {
		cases.IDs = append(cases.IDs, rec.ID)
		if rec.Worksite != nil {
			cases.Worksites = append(cases.Worksites, *rec.Worksite)
			continue
		}
		if rec.PDA != nil {
			cases.PDAs = append(cases.PDAs, *rec.PDA)
		}
	}

	var sites worksiteList
	query := url.Values{
		"phone_number": {queryNumber(number)},
		"incident":     {incidentID},
	}
	if err := s.client.do(ctx, http.MethodGet, "/worksites", query, nil, &sites); err != nil {
		// Worksite lookup is additive; outbound-derived cases still count
		s.client.logger.Warn().Err(err).Str("number", number).
			Msg("worksite lookup failed")
		return cases, nil
	}
	for _, site := range sites.Results {
		if !containsID(cases.Worksites, site.ID) {
			cases.Worksites = append(cases.Worksites, site.ID)
		}
	}
	return cases, nil
}

// CreateCallback registers an outbound callback for the caller
func (s *CaseService) CreateCallback(ctx context.Context, number, language, incidentID, contactID, ani string) error {
	body := map[string]any{
		"dnis1":             number,
		"call_type":         "callback",
		"language":          LanguageID(language),
		"incident_id":       []string{incidentID},
		"external_id":       contactID,
		"external_platform": "connect",
		"ani":               ani,
	}
	if err := s.client.do(ctx, http.MethodPost, "/phone_outbound", nil, body, nil); err != nil {
		return fmt.Errorf("create callback: %w", err)
	}
	return nil
}

// Unlock releases the latest outbound record for the number so another
// callback round can be scheduled
func (s *CaseService) Unlock(ctx context.Context, number string) error {
	outbounds, err := s.outboundsByNumber(ctx, number)
	if err != nil {
		return err
	}
	if len(outbounds) == 0 {
		return ErrNoOutbounds
	}
	latest := outbounds[0].ID
	for _, rec := range outbounds[1:] {
		if rec.ID > latest {
			latest = rec.ID
		}
	}

	path := fmt.Sprintf("/phone_outbound/%d/unlock", latest)
	if err := s.client.do(ctx, http.MethodPost, path, nil, nil, nil); err != nil {
		return fmt.Errorf("unlock outbound %d: %w", latest, err)
	}
	return nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
