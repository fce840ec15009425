package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/d60-Lab/payout-reconciler/config"
	"github.com/d60-Lab/payout-reconciler/internal/model"
	"github.com/d60-Lab/payout-reconciler/internal/repository"
	"github.com/d60-Lab/payout-reconciler/pkg/logger"
)

// ErrInvalidRequest means the submit request failed validation before any
// network call was made.
var ErrInvalidRequest = errors.New("invalid disbursement request")

// ErrNotSubmitted wraps failures that happened before a pending record was
// persisted. No payment can be in flight, so the request is safe to retry.
var ErrNotSubmitted = errors.New("payment not submitted")

// DisbursementError is an upstream rejection of a payment request. The local
// record has already been moved to failed when this is returned.
type DisbursementError struct {
	Code        string
	Description string
	HTTPStatus  int
}

func (e *DisbursementError) Error() string {
	return fmt.Sprintf("disbursement rejected: code=%s status=%d desc=%s", e.Code, e.HTTPStatus, e.Description)
}

// SubmitRequest is one B2C payout to initiate.
type SubmitRequest struct {
	Recipient string
	Amount    decimal.Decimal
	CommandID string
	Remarks   string
	Occasion  string
}

type paymentResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ConversationID      string `json:"ConversationID"`
}

// Client submits signed B2C payment requests. The pending record is persisted
// before the network call goes out, so a crash after send can never leave an
// in-flight payment we don't know about.
type Client struct {
	cfg        config.MPesaConfig
	baseURL    string
	tokens     *TokenCache
	repo       repository.TransactionRepository
	httpClient *http.Client
}

func NewClient(cfg config.MPesaConfig, tokens *TokenCache, repo repository.TransactionRepository) *Client {
	return &Client{
		cfg:        cfg,
		baseURL:    apiBaseURL(cfg.Environment),
		tokens:     tokens,
		repo:       repo,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Submit initiates a disbursement and returns the locally generated
// correlation id, which is also sent upstream as OriginatorConversationID and
// links the eventual callback back to this record.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Recipient == "" {
		return "", fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidRequest, req.Amount)
	}
	commandID := req.CommandID
	if commandID == "" {
		commandID = "BusinessPayment"
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotSubmitted, err)
	}

	correlationID := uuid.New().String()

	// Persist-then-send: a result callback can, in pathological timing, race
	// the HTTP response, so the record must exist before the request leaves.
	record := &model.Transaction{
		CorrelationID: correlationID,
		Sender:        c.cfg.Shortcode,
		Recipient:     req.Recipient,
		Amount:        req.Amount,
		Status:        model.StatusSubmitted,
		CreatedAt:     time.Now(),
	}
	if err := c.repo.Create(ctx, record); err != nil {
		return "", fmt.Errorf("%w: persist pending transaction: %w", ErrNotSubmitted, err)
	}

	body := map[string]string{
		"InitiatorName":            c.cfg.InitiatorName,
		"SecurityCredential":       c.cfg.SecurityCredential,
		"CommandID":                commandID,
		"Amount":                   req.Amount.String(),
		"PartyA":                   c.cfg.Shortcode,
		"PartyB":                   req.Recipient,
		"Remarks":                  req.Remarks,
		"QueueTimeOutURL":          c.cfg.CallbackBaseURL + "/b2c/queue",
		"ResultURL":                c.cfg.CallbackBaseURL + "/b2c/result",
		"Occasion":                 req.Occasion,
		"OriginatorConversationID": correlationID,
	}
	payload, _ := json.Marshal(body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mpesa/b2c/v1/paymentrequest", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Transport failure: the gateway may or may not have seen the
		// request, so the record stays submitted and a callback can still
		// reconcile it.
		return "", fmt.Errorf("send payment request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var pr paymentResponse
	_ = json.Unmarshal(raw, &pr)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || pr.ResponseCode != "0" {
		if _, _, terr := c.repo.Transition(ctx, correlationID, "submit:"+correlationID, model.StatusFailed, repository.TransitionPayload{Raw: string(raw)}); terr != nil {
			logger.Error("mark rejected submission failed", zap.String("correlation_id", correlationID), zap.Error(terr))
		}
		return "", &DisbursementError{Code: pr.ResponseCode, Description: pr.ResponseDescription, HTTPStatus: resp.StatusCode}
	}

	if err := c.repo.SetConversationID(ctx, correlationID, pr.ConversationID); err != nil {
		logger.Warn("record conversation id", zap.String("correlation_id", correlationID), zap.Error(err))
	}
	logger.Info("disbursement submitted",
		zap.String("correlation_id", correlationID),
		zap.String("conversation_id", pr.ConversationID),
		zap.String("recipient", req.Recipient),
		zap.String("amount", req.Amount.String()))
	return correlationID, nil
}
