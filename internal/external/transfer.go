package external

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// TransferService hands calls between telephony systems
type TransferService struct {
	client *Client
}

// NewTransferService creates the transfer service over the shared API client
func NewTransferService(client *Client) *TransferService {
	return &TransferService{client: client}
}

// RequestTransferANI asks the platform for the ANI to dial when
// transferring the caller out
func (s *TransferService) RequestTransferANI(ctx context.Context, callerAddress string) (string, error) {
	var out struct {
		ANI string `json:"ani"`
	}
	query := url.Values{"caller": {queryNumber(callerAddress)}}
	if err := s.client.do(ctx, http.MethodGet, "/phone_transfer", query, nil, &out); err != nil {
		return "", fmt.Errorf("request transfer ani: %w", err)
	}
	return out.ANI, nil
}

// ResolveContactTransfer confirms a transferred contact arrived on the
// verified address
func (s *TransferService) ResolveContactTransfer(ctx context.Context, contactID, verifyAddress string) error {
	path := fmt.Sprintf("/phone_transfer/%s/resolve", url.PathEscape(contactID))
	body := map[string]any{"ani": verifyAddress}
	if err := s.client.do(ctx, http.MethodPost, path, nil, body, nil); err != nil {
		return fmt.Errorf("resolve contact transfer: %w", err)
	}
	return nil
}
